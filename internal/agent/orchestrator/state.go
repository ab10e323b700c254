package orchestrator

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
	"github.com/mohammad-safakhou/newser-intel/internal/budget"
)

// Status is a story's pipeline state.
type Status string

const (
	StatusDiscovered      Status = "Discovered"
	StatusEnriching       Status = "Enriching"
	StatusFactChecking    Status = "FactChecking"
	StatusSynthesizing    Status = "Synthesizing"
	StatusDone            Status = "Done"
	StatusPartiallyFailed Status = "PartiallyFailed"
	StatusCancelled       Status = "Cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusPartiallyFailed, StatusCancelled:
		return true
	}
	return false
}

// Verdict is the outcome of verifying one claim.
type Verdict string

const (
	VerdictVerified   Verdict = "Verified"
	VerdictDisputed   Verdict = "Disputed"
	VerdictUnverified Verdict = "Unverified"
)

func parseVerdict(s string) Verdict {
	switch s {
	case "verified", "Verified", "true":
		return VerdictVerified
	case "disputed", "Disputed", "false", "refuted":
		return VerdictDisputed
	}
	return VerdictUnverified
}

// Claim is a statement extracted by a fact-check agent and routed to a
// context agent for verification.
type Claim struct {
	ID          string  `json:"id"`
	Text        string  `json:"text"`
	Round       int     `json:"round"`
	ExtractedBy string  `json:"extracted_by"`
	VerifiedBy  string  `json:"verified_by,omitempty"`
	Verdict     Verdict `json:"verdict"`
	Evidence    string  `json:"evidence,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Section is one part of the synthesized narrative.
type Section struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Gap reasons.
const (
	GapFailed  = "failed"
	GapSkipped = "skipped"
)

// Gap names an activated agent that did not contribute to the story. Class
// is KindEssential for discovery and synthesis agents, KindNonEssential
// otherwise; Kind is the underlying failure.
type Gap struct {
	Agent  string         `json:"agent"`
	Role   string         `json:"role"`
	Phase  core.Phase     `json:"phase"`
	Reason string         `json:"reason"`
	Class  core.ErrorKind `json:"class"`
	Kind   core.ErrorKind `json:"kind,omitempty"`
	Detail string         `json:"detail,omitempty"`
}

// Profile is the merged discovery output the activation rules evaluate.
type Profile struct {
	Topic                  string   `json:"topic"`
	Category               string   `json:"category"`
	Headline               string   `json:"headline"`
	Summary                string   `json:"summary"`
	Relevance              float64  `json:"relevance"`
	InternationalRelevance float64  `json:"international_relevance"`
	Categories             []string `json:"categories"`
	DiscoveredBy           []string `json:"discovered_by"`
}

// StoryResult is what callers of GetResult receive. Sections is never nil.
type StoryResult struct {
	StoryID      string                     `json:"story_id"`
	Topic        string                     `json:"topic"`
	Category     string                     `json:"category"`
	Status       Status                     `json:"status"`
	Completeness float64                    `json:"completeness"`
	Sections     []Section                  `json:"sections"`
	Gaps         []Gap                      `json:"gaps"`
	Claims       []Claim                    `json:"claims,omitempty"`
	Profile      *Profile                   `json:"profile,omitempty"`
	Context      map[string]json.RawMessage `json:"context,omitempty"`
	Activated    []string                   `json:"activated"`
	Phases       []core.Phase               `json:"phases"`
	Usage        core.Usage                 `json:"usage"`
	Error        string                     `json:"error,omitempty"`
	ErrorKind    core.ErrorKind             `json:"error_kind,omitempty"`
	CreatedAt    time.Time                  `json:"created_at"`
	FinishedAt   *time.Time                 `json:"finished_at,omitempty"`
}

type agentOutcome struct {
	id        core.AgentIdentity
	phase     core.Phase
	attempted bool
	succeeded bool
	skipped   bool
	detail    string
	err       *core.AgentError
}

// storyState is owned by one story's processing goroutine. Every mutation
// goes through update, which refuses changes once the story is terminal so
// late results of a cancelled story are ignored.
type storyState struct {
	mu sync.Mutex

	id       string
	topic    string
	category string
	status   Status
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	monitor  *budget.Monitor

	phases     []core.Phase
	activated  []string
	outcomes   map[string]*agentOutcome
	profile    *Profile
	enrichment map[string]json.RawMessage
	claims     []Claim
	sections   []Section
	usage      core.Usage
	errMsg     string
	errKind    core.ErrorKind

	created  time.Time
	finished time.Time
}

func newStoryState(id, topic, category string, cancel context.CancelFunc, now time.Time) *storyState {
	return &storyState{
		id:         id,
		topic:      topic,
		category:   category,
		status:     StatusDiscovered,
		cancel:     cancel,
		done:       make(chan struct{}),
		outcomes:   make(map[string]*agentOutcome),
		ctx:        context.Background(),
		enrichment: make(map[string]json.RawMessage),
		created:    now,
	}
}

func (s *storyState) update(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	fn()
	return true
}

func (s *storyState) current() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// transition moves to next unless the story already reached a terminal state.
func (s *storyState) transition(next Status, phase core.Phase) bool {
	return s.update(func() {
		s.status = next
		if phase != "" {
			s.phases = append(s.phases, phase)
		}
	})
}

func (s *storyState) activate(id core.AgentIdentity, phase core.Phase) {
	s.update(func() {
		if _, ok := s.outcomes[id.ID]; ok {
			return
		}
		s.outcomes[id.ID] = &agentOutcome{id: id, phase: phase}
		s.activated = append(s.activated, id.ID)
	})
}

// record folds a result into the story. Results for a terminal story are dropped.
func (s *storyState) record(res core.AgentResult, phase core.Phase) bool {
	return s.update(func() {
		o, ok := s.outcomes[res.Agent.ID]
		if !ok {
			o = &agentOutcome{id: res.Agent, phase: phase}
			s.outcomes[res.Agent.ID] = o
		}
		o.attempted = true
		s.usage = s.usage.Add(res.Usage)
		if res.Success {
			o.succeeded = true
			o.err = nil
			return
		}
		if !o.succeeded {
			o.err = res.Error
		}
	})
}

func (s *storyState) skip(id core.AgentIdentity, phase core.Phase, detail string) {
	s.update(func() {
		o, ok := s.outcomes[id.ID]
		if !ok {
			o = &agentOutcome{id: id, phase: phase}
			s.outcomes[id.ID] = o
		}
		if o.attempted {
			return
		}
		o.skipped = true
		o.detail = detail
	})
}

// completenessLocked is succeeded/activated over non-essential agents. With
// none activated it reports whether the essential phases held up.
func (s *storyState) completenessLocked(essentialOK bool) float64 {
	var activated, succeeded int
	for _, o := range s.outcomes {
		if o.id.Essential() {
			continue
		}
		activated++
		if o.succeeded {
			succeeded++
		}
	}
	if activated == 0 {
		if essentialOK {
			return 1
		}
		return 0
	}
	return float64(succeeded) / float64(activated)
}

// essentialOKLocked reports whether some discovery agent succeeded and no
// essential agent failed.
func (s *storyState) essentialOKLocked() bool {
	discovered := false
	for _, o := range s.outcomes {
		if !o.id.Essential() {
			continue
		}
		if o.attempted && !o.succeeded {
			return false
		}
		if o.id.Kind() == core.KindDiscovery && o.succeeded {
			discovered = true
		}
	}
	return discovered
}

// failedEssential lists the agents of kind whose final result is a failure.
// Cancelled results do not count.
func (s *storyState) failedEssential(kind string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, o := range s.outcomes {
		if o.id.Kind() != kind || !o.attempted || o.succeeded {
			continue
		}
		if o.err != nil && o.err.Kind == core.KindCancelled {
			continue
		}
		ids = append(ids, o.id.ID)
	}
	sort.Strings(ids)
	return ids
}

func (s *storyState) gapsLocked() []Gap {
	gaps := make([]Gap, 0)
	for _, id := range s.activated {
		o := s.outcomes[id]
		if o == nil || o.succeeded {
			continue
		}
		if !o.attempted && !o.skipped {
			continue
		}
		g := Gap{Agent: o.id.ID, Role: o.id.Role, Phase: o.phase, Reason: GapFailed, Class: core.KindNonEssential}
		if o.id.Essential() {
			g.Class = core.KindEssential
		}
		if o.skipped {
			g.Reason = GapSkipped
		}
		switch {
		case o.skipped:
			g.Detail = o.detail
		case o.err != nil:
			g.Kind = o.err.Kind
			g.Detail = o.err.Message
		}
		gaps = append(gaps, g)
	}
	sort.SliceStable(gaps, func(i, j int) bool { return gaps[i].Agent < gaps[j].Agent })
	return gaps
}

// snapshot renders the current state as a StoryResult.
func (s *storyState) snapshot() StoryResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := StoryResult{
		StoryID:      s.id,
		Topic:        s.topic,
		Category:     s.category,
		Status:       s.status,
		Completeness: s.completenessLocked(s.essentialOKLocked()),
		Sections:     append(make([]Section, 0, len(s.sections)), s.sections...),
		Gaps:         s.gapsLocked(),
		Claims:       append([]Claim(nil), s.claims...),
		Activated:    append(make([]string, 0, len(s.activated)), s.activated...),
		Phases:       append(make([]core.Phase, 0, len(s.phases)), s.phases...),
		Usage:        s.usage,
		Error:        s.errMsg,
		ErrorKind:    s.errKind,
		CreatedAt:    s.created,
	}
	if s.profile != nil {
		p := *s.profile
		p.Categories = append([]string(nil), p.Categories...)
		p.DiscoveredBy = append([]string(nil), p.DiscoveredBy...)
		res.Profile = &p
	}
	if len(s.enrichment) > 0 {
		res.Context = make(map[string]json.RawMessage, len(s.enrichment))
		for k, v := range s.enrichment {
			res.Context[k] = v
		}
	}
	if !s.finished.IsZero() {
		f := s.finished
		res.FinishedAt = &f
	}
	return res
}

func (s *storyState) addUsage(u core.Usage) {
	s.update(func() { s.usage = s.usage.Add(u) })
}

func (s *storyState) setContext(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
}

func (s *storyState) storyContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// runningCompleteness is succeeded/attempted over non-essential agents.
func (s *storyState) runningCompleteness() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var attempted, succeeded int
	for _, o := range s.outcomes {
		if o.id.Essential() || !o.attempted {
			continue
		}
		attempted++
		if o.succeeded {
			succeeded++
		}
	}
	if attempted == 0 {
		return 1
	}
	return float64(succeeded) / float64(attempted)
}

// skipPending marks activated non-essential agents that never ran as skipped.
func (s *storyState) skipPending(detail string) {
	s.update(func() {
		for _, o := range s.outcomes {
			if o.id.Essential() || o.attempted || o.skipped {
				continue
			}
			o.skipped = true
			o.detail = detail
		}
	})
}

func (s *storyState) contextCopy() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.enrichment))
	for k, v := range s.enrichment {
		out[k] = v
	}
	return out
}
