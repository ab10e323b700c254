package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
	"github.com/mohammad-safakhou/newser-intel/internal/bus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// VerifyTopic tags verification requests on the bus.
const VerifyTopic = "factcheck.verify"

type extractionRequest struct {
	Mode        string                     `json:"mode"`
	Round       int                        `json:"round"`
	Profile     Profile                    `json:"profile"`
	Context     map[string]json.RawMessage `json:"context"`
	KnownClaims []string                   `json:"known_claims"`
}

type extractedClaim struct {
	Text   string `json:"text"`
	Target string `json:"target,omitempty"`
}

type extractionOutput struct {
	Claims []extractedClaim `json:"claims"`
}

type claimRef struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type verifyRequest struct {
	Mode     string   `json:"mode"`
	Claim    claimRef `json:"claim"`
	Headline string   `json:"headline"`
	Topic    string   `json:"topic"`
}

type verifyOutput struct {
	Verdict  string `json:"verdict"`
	Evidence string `json:"evidence"`
}

// factCheck runs the interrogation loop for every activated fact-check agent.
func (o *Orchestrator) factCheck(ctx context.Context, st *storyState, p Profile, checkers, verifiers []core.AgentIdentity) {
	if len(checkers) == 0 {
		return
	}
	ctx, span := o.tracer.Start(ctx, "story.factcheck", trace.WithAttributes(
		attribute.String("story.id", st.id),
		attribute.Int("factcheck.verifiers", len(verifiers)),
	))
	defer span.End()
	for _, fc := range checkers {
		if ctx.Err() != nil {
			return
		}
		o.interrogate(ctx, st, p, fc, verifiers)
	}
	span.SetAttributes(attribute.Int("factcheck.claims", len(st.snapshot().Claims)))
}

// interrogate asks the fact-check agent for claims round by round and routes
// each new claim to a context agent. It stops after MaxFactCheckRounds, or
// once a round yields no new claims and MinFactCheckRounds have run.
func (o *Orchestrator) interrogate(ctx context.Context, st *storyState, p Profile, fc core.AgentIdentity, verifiers []core.AgentIdentity) {
	session := o.convos.GetOrCreate(st.id, core.NewIdentity(core.OrchestratorID, core.OrchestratorID), fc)
	known := make(map[string]bool)
	var knownTexts []string
	next := 0

	for round := 1; round <= o.cfg.MaxFactCheckRounds; round++ {
		if ctx.Err() != nil {
			return
		}
		if err := o.overBudget(st); err != nil {
			st.skip(fc, core.PhaseFactCheck, err.Error())
			return
		}
		raw, err := json.Marshal(extractionRequest{
			Mode:        "extract",
			Round:       round,
			Profile:     p,
			Context:     st.contextCopy(),
			KnownClaims: append([]string(nil), knownTexts...),
		})
		if err != nil {
			o.logger.Printf("warn: story=%s marshal extraction: %v", st.id, err)
			return
		}

		var (
			res core.AgentResult
			out extractionOutput
		)
		_, err = session.Exchange(ctx, raw, func(ctx context.Context, history []core.Turn) (json.RawMessage, error) {
			task := core.Task{
				ID:      uuid.NewString(),
				Agent:   fc,
				Payload: raw,
				Phase:   core.PhaseFactCheck,
				StoryID: st.id,
				History: history,
			}
			task.Fingerprint = historyFingerprint(raw, history)
			res = o.exec.RunOne(ctx, task)
			if !res.Success {
				return nil, res.Error
			}
			if err := res.Decode(&out); err != nil {
				res = invalidate(res, err)
				return nil, res.Error
			}
			return res.Data, nil
		})
		if res.Agent.IsZero() {
			// the exchange never ran: ctx ended while queued
			return
		}
		o.account(st, res)
		st.record(res, core.PhaseFactCheck)
		if err != nil || !res.Success {
			o.logger.Printf("warn: story=%s factcheck=%s round=%d failed: %v", st.id, fc.ID, round, res.Error)
			return
		}

		var fresh []Claim
		for _, c := range out.Claims {
			text := strings.TrimSpace(c.Text)
			norm := strings.ToLower(text)
			if text == "" || known[norm] {
				continue
			}
			known[norm] = true
			knownTexts = append(knownTexts, text)
			claim := Claim{ID: uuid.NewString(), Text: text, Round: round, ExtractedBy: fc.ID, Verdict: VerdictUnverified}
			if target, ok := pickTarget(c.Target, verifiers, &next); ok {
				claim.VerifiedBy = target.ID
			} else {
				claim.Error = "no context agent available for verification"
			}
			fresh = append(fresh, claim)
		}
		o.logger.Printf("story=%s factcheck=%s round=%d new_claims=%d", st.id, fc.ID, round, len(fresh))

		fresh = o.verifyAll(ctx, st, p, fc, fresh)
		st.update(func() { st.claims = append(st.claims, fresh...) })

		if len(fresh) == 0 && round >= o.cfg.MinFactCheckRounds {
			return
		}
	}
}

// pickTarget honours the claim's suggested agent when it was activated and
// otherwise round-robins across the activated context agents.
func pickTarget(suggested string, verifiers []core.AgentIdentity, next *int) (core.AgentIdentity, bool) {
	if len(verifiers) == 0 {
		return core.AgentIdentity{}, false
	}
	if suggested != "" {
		for _, v := range verifiers {
			if v.ID == suggested {
				return v, true
			}
		}
	}
	v := verifiers[*next%len(verifiers)]
	*next++
	return v, true
}

// verifyAll sends every claim to its verifier over the bus. A timeout or a
// failed verification leaves the claim Unverified.
func (o *Orchestrator) verifyAll(ctx context.Context, st *storyState, p Profile, fc core.AgentIdentity, claims []Claim) []Claim {
	var g errgroup.Group
	g.SetLimit(o.cfg.MaxParallel)
	for i := range claims {
		if claims[i].VerifiedBy == "" {
			continue
		}
		g.Go(func() error {
			claims[i] = o.verify(ctx, st, p, fc, claims[i])
			return nil
		})
	}
	_ = g.Wait()
	return claims
}

func (o *Orchestrator) verify(ctx context.Context, st *storyState, p Profile, fc core.AgentIdentity, c Claim) Claim {
	payload, err := json.Marshal(verifyRequest{
		Mode:     "verify",
		Claim:    claimRef{ID: c.ID, Text: c.Text},
		Headline: p.Headline,
		Topic:    p.Topic,
	})
	if err != nil {
		c.Error = err.Error()
		return c
	}
	res, err := o.bus.RequestResponse(ctx, core.Message{
		From:          fc.ID,
		To:            c.VerifiedBy,
		CorrelationID: uuid.NewString(),
		Topic:         VerifyTopic,
		StoryID:       st.id,
		Payload:       payload,
	}, o.cfg.RequestTimeout)
	if err != nil {
		c.Error = err.Error()
		return c
	}
	if !res.Success {
		c.Verdict = VerdictUnverified
		if res.Error != nil {
			c.Error = res.Error.Error()
		}
		return c
	}
	var out verifyOutput
	if err := res.Decode(&out); err != nil {
		c.Error = err.Error()
		return c
	}
	c.Verdict = parseVerdict(strings.TrimSpace(out.Verdict))
	c.Evidence = out.Evidence
	return c
}

// verifyHandler serves verification requests addressed to a context agent.
// The requester's session is reserved in arrival order; the invocation runs
// off the mailbox goroutine.
func (o *Orchestrator) verifyHandler(agent core.AgentIdentity) bus.Handler {
	return func(busCtx context.Context, msg core.Message) {
		if msg.Kind != core.MessageRequest {
			return
		}
		st := o.lookup(msg.StoryID)
		if st == nil || st.current().Terminal() {
			o.reply(busCtx, msg, agent, core.CancelledResult(core.Task{ID: msg.CorrelationID, Agent: agent}))
			return
		}
		requester := core.NewIdentity(msg.From, core.KindFactCheck)
		if reg, ok := o.registry.Get(msg.From); ok {
			requester = reg.Agent.Identity()
		}
		session := o.convos.GetOrCreate(msg.StoryID, requester, agent)
		ticket := session.Reserve()

		go func() {
			defer ticket.Release()
			ctx := st.storyContext()
			if err := ticket.Wait(ctx); err != nil {
				o.reply(busCtx, msg, agent, core.FailedResult(core.Task{ID: msg.CorrelationID, Agent: agent}, err, 0, 0))
				return
			}
			history := session.Turns()
			task := core.Task{
				ID:      uuid.NewString(),
				Agent:   agent,
				Payload: msg.Payload,
				Phase:   core.PhaseVerification,
				StoryID: msg.StoryID,
				History: history,
			}
			task.Fingerprint = historyFingerprint(msg.Payload, history)
			res := o.exec.RunOne(ctx, task)
			o.account(st, res)
			st.addUsage(res.Usage)
			if res.Success {
				if _, err := session.Append(msg.Payload, res.Data); err != nil {
					o.logger.Printf("warn: story=%s append verification turn: %v", msg.StoryID, err)
				}
			}
			o.reply(context.WithoutCancel(ctx), msg, agent, res)
		}()
	}
}

func (o *Orchestrator) reply(ctx context.Context, msg core.Message, agent core.AgentIdentity, res core.AgentResult) {
	if err := o.bus.Reply(ctx, msg, agent.ID, res); err != nil {
		o.logger.Printf("warn: reply to %s for story=%s: %v", msg.From, msg.StoryID, err)
	}
}

// historyFingerprint keys an exchange by its payload and the prior turns of
// the conversation, ignoring turn timestamps.
func historyFingerprint(payload json.RawMessage, history []core.Turn) string {
	turns := make([][2]json.RawMessage, 0, len(history))
	for _, t := range history {
		turns = append(turns, [2]json.RawMessage{t.Request, t.Response})
	}
	fp, err := core.Fingerprint(map[string]interface{}{"payload": payload, "history": turns})
	if err != nil {
		return fmt.Sprintf("unhashable:%s", uuid.NewString())
	}
	return fp
}
