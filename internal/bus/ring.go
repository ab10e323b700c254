package bus

import (
	"sync"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
)

// ring keeps the last n messages.
type ring struct {
	mu    sync.Mutex
	buf   []core.Message
	next  int
	count int
}

func newRing(n int) *ring {
	return &ring{buf: make([]core.Message, n)}
}

func (r *ring) push(m core.Message) {
	r.mu.Lock()
	r.buf[r.next] = m
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

func (r *ring) snapshot() []core.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Message, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
