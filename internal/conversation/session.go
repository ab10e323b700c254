package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
)

// ErrSessionClosed is returned when appending to a session whose story has finished.
var ErrSessionClosed = errors.New("conversation: session closed")

// Turn is one recorded exchange within a session.
type Turn = core.Turn

// Session is an ordered, append-only exchange history between a requester and a server.
type Session struct {
	key       Key
	Requester core.AgentIdentity
	Server    core.AgentIdentity

	mu     sync.Mutex // append lock
	turns  []Turn
	seq    uint64
	closed bool

	qmu  sync.Mutex
	tail chan struct{} // done channel of the last reserved ticket
}

func newSession(key Key, requester, server core.AgentIdentity) *Session {
	return &Session{key: key, Requester: requester, Server: server}
}

// StoryID returns the story the session belongs to.
func (s *Session) StoryID() string { return s.key.StoryID }

// Append records a turn and assigns it the next sequence number.
func (s *Session) Append(request, response json.RawMessage) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Turn{}, ErrSessionClosed
	}
	s.seq++
	t := Turn{
		Seq:      s.seq,
		Request:  cloneRaw(request),
		Response: cloneRaw(response),
		At:       time.Now().UTC(),
	}
	s.turns = append(s.turns, t)
	return t, nil
}

// Turns returns a copy of the recorded history.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Seq returns the last assigned sequence number.
func (s *Session) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Ticket is a place in the session's exchange queue.
type Ticket struct {
	prev <-chan struct{}
	done chan struct{}
	once sync.Once
	held bool
}

// Reserve takes the next place in the exchange queue. Reservation order is
// service order. Every ticket must be released.
func (s *Session) Reserve() *Ticket {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	t := &Ticket{prev: s.tail, done: make(chan struct{})}
	s.tail = t.done
	return t
}

// Wait blocks until every earlier ticket has been released. If ctx ends first
// the ticket is released in order in the background and ctx.Err is returned.
func (t *Ticket) Wait(ctx context.Context) error {
	if t.prev == nil {
		t.held = true
		return nil
	}
	select {
	case <-t.prev:
		t.held = true
		return nil
	case <-ctx.Done():
		t.once.Do(func() {
			go func() {
				<-t.prev
				close(t.done)
			}()
		})
		return ctx.Err()
	}
}

// Release passes the turn to the next ticket.
func (t *Ticket) Release() {
	t.once.Do(func() {
		if t.held || t.prev == nil {
			close(t.done)
			return
		}
		go func() {
			<-t.prev
			close(t.done)
		}()
	})
}

// Exchange runs fn as the session's next exchange in FIFO order and appends
// the request/response pair when fn succeeds.
func (s *Session) Exchange(ctx context.Context, request json.RawMessage, fn func(ctx context.Context, history []Turn) (json.RawMessage, error)) (json.RawMessage, error) {
	ticket := s.Reserve()
	defer ticket.Release()
	if err := ticket.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := fn(ctx, s.Turns())
	if err != nil {
		return nil, err
	}
	if _, err := s.Append(request, resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
