package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
)

// Monitor charges provider usage of one story against its limits. The first
// breach is sticky: later charges keep accumulating but never clear it.
type Monitor struct {
	mu      sync.Mutex
	config  Config
	spent   core.Usage
	started time.Time
	now     func() time.Time
	breach  error
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithClock overrides the time source used for the time limit.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor starts the story clock.
func NewMonitor(cfg Config, opts ...MonitorOption) *Monitor {
	m := &Monitor{config: cfg.Clone(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.started = m.now()
	return m
}

// Charge adds u to the running total. It returns ErrExceeded only for the
// charge that crossed a limit; use Exceeded for the sticky state.
func (m *Monitor) Charge(u core.Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spent = m.spent.Add(u)
	if m.breach != nil {
		return nil
	}
	if lim := m.config.MaxCost; lim != nil && m.spent.Cost > *lim {
		m.breach = ErrExceeded{Kind: "cost", Usage: fmt.Sprintf("$%.4f", m.spent.Cost), Limit: fmt.Sprintf("$%.4f", *lim)}
		return m.breach
	}
	if lim := m.config.MaxTokens; lim != nil && m.spent.Tokens() > *lim {
		m.breach = ErrExceeded{Kind: "tokens", Usage: fmt.Sprintf("%d tokens", m.spent.Tokens()), Limit: fmt.Sprintf("%d tokens", *lim)}
		return m.breach
	}
	return nil
}

// Check evaluates the wall-clock limit and returns the current breach, if any.
func (m *Monitor) Check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breach != nil || m.config.MaxTimeSeconds == nil || *m.config.MaxTimeSeconds <= 0 {
		return m.breach
	}
	elapsed := m.now().Sub(m.started)
	if limit := time.Duration(*m.config.MaxTimeSeconds) * time.Second; elapsed > limit {
		m.breach = ErrExceeded{Kind: "time", Usage: elapsed.Round(time.Millisecond).String(), Limit: limit.String()}
	}
	return m.breach
}

// Exceeded returns the first recorded breach, or nil.
func (m *Monitor) Exceeded() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breach
}

// Spent returns the usage charged so far.
func (m *Monitor) Spent() core.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spent
}
