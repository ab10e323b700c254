package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/mohammad-safakhou/newser-intel/config"
	"github.com/redis/go-redis/v9"
)

// Submitter starts stories.
type Submitter interface {
	SubmitStory(ctx context.Context, topic, category string) (string, error)
}

type scheduledTopic struct {
	topic    config.ScheduledTopic
	expr     *cronexpr.Expression
	next     time.Time
	disabled bool
}

// Scheduler re-submits configured topics whenever their cron expression is
// due. With Redis, a SETNX lock per topic and slot keeps replicas from
// submitting the same slot twice.
type Scheduler struct {
	mu       sync.Mutex
	topics   []*scheduledTopic
	submit   Submitter
	rdb      *redis.Client
	lockTTL  time.Duration
	interval time.Duration
	logger   *log.Logger
	now      func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func WithSchedulerInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithSchedulerLogger(l *log.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScheduler parses every topic's cron expression. rdb may be nil.
func NewScheduler(cfg config.SchedulerConfig, submit Submitter, rdb *redis.Client, opts ...SchedulerOption) (*Scheduler, error) {
	s := &Scheduler{
		submit:   submit,
		rdb:      rdb,
		lockTTL:  cfg.LockTTL,
		interval: 30 * time.Second,
		logger:   log.New(io.Discard, "", 0),
		now:      time.Now,
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 5 * time.Minute
	}
	for _, opt := range opts {
		opt(s)
	}
	start := s.now()
	for _, t := range cfg.Topics {
		expr, err := cronexpr.Parse(t.Cron)
		if err != nil {
			return nil, fmt.Errorf("scheduler topic %q: %w", t.Topic, err)
		}
		st := &scheduledTopic{topic: t, expr: expr, next: expr.Next(start)}
		st.disabled = st.next.IsZero()
		s.topics = append(s.topics, st)
	}
	return s, nil
}

// Start ticks until ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Tick submits every topic whose next run is due and returns how many were submitted.
func (s *Scheduler) Tick(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	submitted := 0
	for _, t := range s.topics {
		if t.disabled || t.next.After(now) {
			continue
		}
		slot := t.next
		t.next = t.expr.Next(now)
		t.disabled = t.next.IsZero()

		if !s.lock(ctx, t.topic, slot) {
			continue
		}
		id, err := s.submit.SubmitStory(ctx, t.topic.Topic, t.topic.Category)
		if err != nil {
			s.logger.Printf("warn: scheduled topic %q: %v", t.topic.Topic, err)
			continue
		}
		submitted++
		s.logger.Printf("story=%s scheduled topic=%q slot=%s", id, t.topic.Topic, slot.Format(time.RFC3339))
	}
	return submitted
}

// lockKey identifies one cron slot of one topic.
func lockKey(t config.ScheduledTopic, slot time.Time) string {
	return fmt.Sprintf("sched:lock:%s:%s:%d", strings.ToLower(t.Category), strings.ToLower(t.Topic), slot.Unix())
}

func (s *Scheduler) lock(ctx context.Context, t config.ScheduledTopic, slot time.Time) bool {
	if s.rdb == nil {
		return true
	}
	ok, err := s.rdb.SetNX(ctx, lockKey(t, slot), "1", s.lockTTL).Result()
	if err != nil {
		s.logger.Printf("warn: scheduler lock for %q: %v", t.Topic, err)
		return false
	}
	return ok
}
