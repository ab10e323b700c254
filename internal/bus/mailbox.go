package bus

import (
	"context"
	"log"
	"sync"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
)

// mailbox is an unbounded FIFO drained by a single goroutine, so senders never
// block on a slow handler and delivery order equals send order.
type mailbox struct {
	id      string
	handler Handler
	logger  *log.Logger

	mu      sync.Mutex
	queue   []core.Message
	signal  chan struct{}
	done    chan struct{}
	exited  chan struct{}
	stopped bool
}

func newMailbox(id string, h Handler, logger *log.Logger) *mailbox {
	return &mailbox{
		id:      id,
		handler: h,
		logger:  logger,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

func (m *mailbox) enqueue(msg core.Message) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	m.queue = nil
	close(m.done)
}

func (m *mailbox) next() (core.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || len(m.queue) == 0 {
		return core.Message{}, false
	}
	msg := m.queue[0]
	m.queue[0] = core.Message{}
	m.queue = m.queue[1:]
	return msg, true
}

// run drains the queue. When prev is set, delivery starts only after prev's
// goroutine has finished its last handler call.
func (m *mailbox) run(ctx context.Context, prev *mailbox) {
	defer close(m.exited)
	if prev != nil {
		select {
		case <-prev.exited:
		case <-m.done:
			return
		case <-ctx.Done():
			return
		}
	}
	for {
		for {
			msg, ok := m.next()
			if !ok {
				break
			}
			m.deliver(ctx, msg)
		}
		select {
		case <-m.signal:
		case <-m.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *mailbox) deliver(ctx context.Context, msg core.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Printf("warn: handler %s panicked on message %s: %v", m.id, msg.ID, r)
		}
	}()
	m.handler(ctx, msg)
}
