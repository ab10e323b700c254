// Package audit records every inter-agent message of a story in an
// append-only log that can be read back for inspection.
package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Entry is one audit record.
type Entry struct {
	StoryID   string    `json:"story_id"`
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Kind      string    `json:"kind"`
	Summary   string    `json:"summary"`
}

// Sink accepts audit entries.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// Reader lists the entries of a story in append order.
type Reader interface {
	List(ctx context.Context, storyID string) ([]Entry, error)
}

// Log is both a sink and a reader.
type Log interface {
	Sink
	Reader
}

// Forgetter is implemented by sinks that hold entries only as long as the
// story is of interest to the process.
type Forgetter interface {
	Forget(ctx context.Context, storyID string) error
}

// Memory keeps entries in process memory. Used by tests and single-node runs.
type Memory struct {
	mu       sync.RWMutex
	entries  map[string][]Entry
	maxStory int
}

// MemoryOption configures a Memory log.
type MemoryOption func(*Memory)

// WithMaxPerStory keeps only the newest n entries of each story.
func WithMaxPerStory(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.maxStory = n
		}
	}
}

// NewMemory creates an empty in-memory audit log.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{entries: make(map[string][]Entry)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Append(_ context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	list := append(m.entries[e.StoryID], e)
	if m.maxStory > 0 && len(list) > m.maxStory {
		list = append(list[:0:0], list[len(list)-m.maxStory:]...)
	}
	m.entries[e.StoryID] = list
	m.mu.Unlock()
	return nil
}

// Forget drops every entry of a story.
func (m *Memory) Forget(_ context.Context, storyID string) error {
	m.mu.Lock()
	delete(m.entries, storyID)
	m.mu.Unlock()
	return nil
}

// Stories returns how many stories currently have entries.
func (m *Memory) Stories() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) List(_ context.Context, storyID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.entries[storyID]
	out := make([]Entry, len(src))
	copy(out, src)
	return out, nil
}

// Multi fans every append out to all sinks and reads from the first reader.
type Multi struct {
	sinks  []Sink
	reader Reader
}

// NewMulti combines sinks. The first sink that is also a Reader serves List.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		m.sinks = append(m.sinks, s)
		if r, ok := s.(Reader); ok && m.reader == nil {
			m.reader = r
		}
	}
	return m
}

// Append writes to every sink and joins their errors.
func (m *Multi) Append(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forget forwards to every sink that can forget.
func (m *Multi) Forget(ctx context.Context, storyID string) error {
	var errs []error
	for _, s := range m.sinks {
		if f, ok := s.(Forgetter); ok {
			if err := f.Forget(ctx, storyID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) List(ctx context.Context, storyID string) ([]Entry, error) {
	if m.reader == nil {
		return nil, nil
	}
	return m.reader.List(ctx, storyID)
}

// SortByTime orders entries by timestamp, keeping append order for ties.
func SortByTime(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}
