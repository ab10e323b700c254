package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
	"github.com/mohammad-safakhou/newser-intel/internal/sanitize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type discoveryRequest struct {
	Topic    string `json:"topic"`
	Category string `json:"category"`
}

type discoveryOutput struct {
	Headline               string   `json:"headline"`
	Summary                string   `json:"summary"`
	Relevance              float64  `json:"relevance"`
	InternationalRelevance float64  `json:"international_relevance"`
	Categories             []string `json:"categories"`
}

type enrichmentRequest struct {
	Topic      string   `json:"topic"`
	Category   string   `json:"category"`
	Headline   string   `json:"headline"`
	Summary    string   `json:"summary"`
	Categories []string `json:"categories"`
}

type synthesisRequest struct {
	Headline string                     `json:"headline"`
	Profile  Profile                    `json:"profile"`
	Context  map[string]json.RawMessage `json:"context"`
	Claims   []Claim                    `json:"claims"`
	Gaps     []Gap                      `json:"gaps"`
}

type synthesisOutput struct {
	Sections []Section `json:"sections"`
}

func newTask(st *storyState, agent core.AgentIdentity, phase core.Phase, payload interface{}) (core.Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return core.Task{}, fmt.Errorf("marshal %s payload: %w", phase, err)
	}
	return core.Task{
		ID:      uuid.NewString(),
		Agent:   agent,
		Payload: raw,
		Phase:   phase,
		StoryID: st.id,
	}, nil
}

// invalidate turns a successful result whose data the pipeline cannot use
// into a validation failure.
func invalidate(res core.AgentResult, err error) core.AgentResult {
	res.Success = false
	res.Data = nil
	res.Error = core.ErrValidation(fmt.Sprintf("%s returned unusable data", res.Agent.ID)).WithCause(err)
	return res
}

// runPhase runs a batch through the controller and folds every result into
// the story. validate may reject a successful result's data.
func (o *Orchestrator) runPhase(ctx context.Context, st *storyState, phase core.Phase, tasks []core.Task, validate func(core.AgentResult) error) []core.AgentResult {
	ctx, span := o.tracer.Start(ctx, "story."+string(phase), trace.WithAttributes(
		attribute.String("story.id", st.id),
		attribute.Int("phase.tasks", len(tasks)),
	))
	defer span.End()

	results := o.exec.Run(ctx, tasks, o.cfg.MaxParallel)
	failed := 0
	for i, res := range results {
		if res.Success && validate != nil {
			if err := validate(res); err != nil {
				res = invalidate(res, err)
			}
		}
		results[i] = res
		o.account(st, res)
		if !st.record(res, phase) {
			continue
		}
		if !res.Success {
			failed++
			o.logger.Printf("warn: story=%s phase=%s agent=%s failed kind=%s attempts=%d: %v",
				st.id, phase, res.Agent.ID, res.ErrorKind(), res.Attempts, res.Error)
		}
	}
	span.SetAttributes(attribute.Int("phase.failed", failed))
	return results
}

// discover fans the story out to every discovery agent serving its category
// and merges the candidates into a profile.
func (o *Orchestrator) discover(ctx context.Context, st *storyState) (*Profile, bool) {
	var tasks []core.Task
	for _, reg := range o.registry.ByKind(core.KindDiscovery) {
		if len(reg.Categories) > 0 && st.category != "" && !overlaps(reg.Categories, []string{st.category}) {
			continue
		}
		id := reg.Agent.Identity()
		task, err := newTask(st, id, core.PhaseDiscovery, discoveryRequest{Topic: st.topic, Category: st.category})
		if err != nil {
			o.logger.Printf("warn: story=%s %v", st.id, err)
			continue
		}
		st.activate(id, core.PhaseDiscovery)
		tasks = append(tasks, task)
	}
	if len(tasks) == 0 {
		st.update(func() { st.errMsg = fmt.Sprintf("no discovery agent serves category %q", st.category) })
		return nil, false
	}

	candidates := make(map[string]discoveryOutput, len(tasks))
	results := o.runPhase(ctx, st, core.PhaseDiscovery, tasks, func(res core.AgentResult) error {
		var out discoveryOutput
		if err := res.Decode(&out); err != nil {
			return err
		}
		if strings.TrimSpace(out.Headline) == "" {
			return fmt.Errorf("empty headline")
		}
		candidates[res.Agent.ID] = out
		return nil
	})
	if ctx.Err() != nil {
		return nil, false
	}

	var profile *Profile
	for _, res := range results {
		if !res.Success {
			continue
		}
		profile = mergeCandidate(profile, res.Agent.ID, candidates[res.Agent.ID])
	}
	if profile == nil {
		return nil, false
	}
	profile.Topic = st.topic
	profile.Category = st.category
	if st.category != "" && !overlaps([]string{st.category}, profile.Categories) {
		profile.Categories = append(profile.Categories, st.category)
	}
	sort.Strings(profile.Categories)
	st.update(func() { st.profile = profile })
	return profile, true
}

// mergeCandidate keeps the most relevant headline, the highest international
// relevance and the union of categories.
func mergeCandidate(p *Profile, agentID string, c discoveryOutput) *Profile {
	if p == nil {
		p = &Profile{Relevance: -1, InternationalRelevance: -1}
	}
	if c.Relevance > p.Relevance {
		p.Headline = c.Headline
		p.Summary = c.Summary
		p.Relevance = c.Relevance
	}
	if c.InternationalRelevance > p.InternationalRelevance {
		p.InternationalRelevance = c.InternationalRelevance
	}
	for _, cat := range c.Categories {
		cat = strings.TrimSpace(cat)
		if cat != "" && !overlaps([]string{cat}, p.Categories) {
			p.Categories = append(p.Categories, cat)
		}
	}
	p.DiscoveredBy = append(p.DiscoveredBy, agentID)
	return p
}

// enrich runs the activated context agents in parallel.
func (o *Orchestrator) enrich(ctx context.Context, st *storyState, p Profile, agents []core.AgentIdentity) {
	if len(agents) == 0 {
		return
	}
	req := enrichmentRequest{Topic: p.Topic, Category: p.Category, Headline: p.Headline, Summary: p.Summary, Categories: p.Categories}
	var tasks []core.Task
	for _, id := range agents {
		if err := o.overBudget(st); err != nil {
			st.skip(id, core.PhaseEnrichment, err.Error())
			continue
		}
		task, err := newTask(st, id, core.PhaseEnrichment, req)
		if err != nil {
			o.logger.Printf("warn: story=%s %v", st.id, err)
			continue
		}
		tasks = append(tasks, task)
	}
	if len(tasks) == 0 {
		return
	}
	results := o.runPhase(ctx, st, core.PhaseEnrichment, tasks, func(res core.AgentResult) error {
		var obj map[string]json.RawMessage
		return res.Decode(&obj)
	})
	for _, res := range results {
		if !res.Success {
			continue
		}
		data := res.Data
		st.update(func() { st.enrichment[res.Agent.ID] = data })
	}
}

// synthesize runs the synthesis agent over everything the story accumulated.
func (o *Orchestrator) synthesize(ctx context.Context, st *storyState, p Profile) bool {
	regs := o.registry.ByKind(core.KindSynthesis)
	if len(regs) == 0 {
		id := core.NewIdentity(core.KindSynthesis, core.KindSynthesis)
		st.activate(id, core.PhaseSynthesis)
		st.record(core.FailedResult(core.Task{Agent: id}, core.ErrValidation("no synthesis agent registered"), 0, 0), core.PhaseSynthesis)
		return false
	}
	id := regs[0].Agent.Identity()
	st.activate(id, core.PhaseSynthesis)

	snap := st.snapshot()
	task, err := newTask(st, id, core.PhaseSynthesis, synthesisRequest{
		Headline: p.Headline,
		Profile:  p,
		Context:  st.contextCopy(),
		Claims:   snap.Claims,
		Gaps:     snap.Gaps,
	})
	if err != nil {
		o.logger.Printf("warn: story=%s %v", st.id, err)
		return false
	}

	var out synthesisOutput
	results := o.runPhase(ctx, st, core.PhaseSynthesis, []core.Task{task}, func(res core.AgentResult) error {
		return res.Decode(&out)
	})
	if len(results) == 0 || !results[0].Success {
		return false
	}
	sections := make([]Section, 0, len(out.Sections))
	for _, sec := range out.Sections {
		sec.Title = sanitize.Text(sec.Title)
		sec.Body = sanitize.Markup(sec.Body)
		if sec.Title == "" && sec.Body == "" {
			continue
		}
		sections = append(sections, sec)
	}
	return st.update(func() { st.sections = sections })
}
