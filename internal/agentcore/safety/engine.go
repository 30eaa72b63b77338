package safety

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sirupsen/logrus"

	"goyais/toolhost/internal/logging"
)

type Options struct {
	Rules    []Rule
	Store    TrustStore
	Prompter Prompter
	Logger   *logrus.Entry
	Now      func() time.Time
}

// Engine decides whether a tool may run. Deny rules and persisted denials
// are checked before anything that could allow.
type Engine struct {
	rules []Rule
	store TrustStore
	log   *logrus.Entry
	now   func() time.Time

	mu        sync.RWMutex
	prompter  Prompter
	persisted map[string]TrustDecision
	session   map[string]TrustDecision
}

func NewEngine(opts Options) (*Engine, error) {
	rules := make([]Rule, 0, len(opts.Rules))
	for i, rule := range opts.Rules {
		rule.Pattern = strings.TrimSpace(rule.Pattern)
		if rule.Pattern == "" {
			return nil, fmt.Errorf("rule %d: pattern is required", i)
		}
		if !doublestar.ValidatePattern(rule.Pattern) {
			return nil, fmt.Errorf("rule %d: invalid pattern %q", i, rule.Pattern)
		}
		if rule.Effect != EffectAllow && rule.Effect != EffectDeny {
			return nil, fmt.Errorf("rule %d: unsupported effect %q", i, rule.Effect)
		}
		rules = append(rules, rule)
	}
	log := logging.OrDefault(opts.Logger, "safety")
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		rules:     rules,
		store:     opts.Store,
		log:       log,
		now:       now,
		prompter:  opts.Prompter,
		persisted: map[string]TrustDecision{},
		session:   map[string]TrustDecision{},
	}, nil
}

func (e *Engine) SetPrompter(p Prompter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prompter = p
}

// LoadPersisted reads stored decisions. On failure the engine keeps working
// with rules and session trust only.
func (e *Engine) LoadPersisted(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	decisions, err := e.store.Load(ctx)
	if err != nil {
		e.log.WithError(err).Error("failed to load persisted trust decisions")
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, decision := range decisions {
		if decision.Tool == "" || (decision.Effect != EffectAllow && decision.Effect != EffectDeny) {
			e.log.WithField("tool", decision.Tool).Warn("ignoring malformed trust decision")
			continue
		}
		decision.Scope = ScopePersisted
		e.persisted[decision.Tool] = decision
	}
	e.log.WithField("count", len(e.persisted)).Debug("loaded persisted trust decisions")
	return nil
}

func (e *Engine) Evaluate(tool string) Evaluation {
	for _, rule := range e.rules {
		if rule.Effect == EffectDeny && matchPattern(rule.Pattern, tool) {
			return Evaluation{
				Decision: DecisionDeny,
				Reason:   fmt.Sprintf("denied by rule %q", rule.Pattern),
				Pattern:  rule.Pattern,
			}
		}
	}

	e.mu.RLock()
	persisted, hasPersisted := e.persisted[tool]
	_, hasSession := e.session[tool]
	e.mu.RUnlock()

	if hasPersisted && persisted.Effect == EffectDeny {
		return Evaluation{Decision: DecisionDeny, Reason: "denied by saved decision"}
	}
	for _, rule := range e.rules {
		if rule.Effect == EffectAllow && matchPattern(rule.Pattern, tool) {
			return Evaluation{
				Decision: DecisionAllow,
				Reason:   fmt.Sprintf("allowed by rule %q", rule.Pattern),
				Pattern:  rule.Pattern,
			}
		}
	}
	if hasSession {
		return Evaluation{Decision: DecisionAllow, Reason: "allowed for this session"}
	}
	if hasPersisted {
		return Evaluation{Decision: DecisionAllow, Reason: "allowed by saved decision"}
	}
	return Evaluation{Decision: DecisionAsk, Reason: "tool call requires confirmation"}
}

// Authorize evaluates req and, when the answer is ask, consults the
// prompter. Without a prompter ask resolves to deny.
func (e *Engine) Authorize(ctx context.Context, req PromptRequest) (Evaluation, error) {
	evaluation := e.Evaluate(req.Tool)
	if evaluation.Decision != DecisionAsk {
		return evaluation, nil
	}

	e.mu.RLock()
	prompter := e.prompter
	e.mu.RUnlock()
	if prompter == nil {
		return Evaluation{Decision: DecisionDeny, Reason: "confirmation required but no prompt is available"}, nil
	}

	outcome, err := prompter.Confirm(ctx, req)
	if err != nil {
		return Evaluation{Decision: DecisionDeny, Reason: "confirmation failed"}, fmt.Errorf("confirm %s: %w", req.Tool, err)
	}
	return e.apply(ctx, req.Tool, outcome), nil
}

func (e *Engine) apply(ctx context.Context, tool string, outcome Outcome) Evaluation {
	switch outcome {
	case OutcomeAllowOnce:
		return Evaluation{Decision: DecisionAllow, Reason: "allowed once by user"}
	case OutcomeDenyOnce:
		return Evaluation{Decision: DecisionDeny, Reason: "denied by user"}
	case OutcomeAllowSession:
		decision := TrustDecision{
			Tool:      tool,
			Effect:    EffectAllow,
			Scope:     ScopeSession,
			DecidedBy: decidedByUser,
			DecidedAt: e.now(),
		}
		e.mu.Lock()
		e.session[tool] = decision
		e.mu.Unlock()
		return Evaluation{Decision: DecisionAllow, Reason: "allowed for this session by user"}
	case OutcomePersistAllow, OutcomePersistDeny:
		effect := EffectAllow
		if outcome == OutcomePersistDeny {
			effect = EffectDeny
		}
		decision := TrustDecision{
			Tool:      tool,
			Effect:    effect,
			Scope:     ScopePersisted,
			DecidedBy: decidedByUser,
			DecidedAt: e.now(),
		}
		e.mu.Lock()
		e.persisted[tool] = decision
		delete(e.session, tool)
		e.mu.Unlock()
		e.persist(ctx, decision)
		if effect == EffectDeny {
			return Evaluation{Decision: DecisionDeny, Reason: "denied permanently by user"}
		}
		return Evaluation{Decision: DecisionAllow, Reason: "allowed permanently by user"}
	default:
		e.log.WithField("outcome", string(outcome)).Warn("unknown confirmation outcome, denying")
		return Evaluation{Decision: DecisionDeny, Reason: fmt.Sprintf("unknown confirmation outcome %q", outcome)}
	}
}

func (e *Engine) persist(ctx context.Context, decision TrustDecision) {
	if e.store == nil {
		e.log.WithField("tool", decision.Tool).Warn("no trust store configured, decision kept for this session only")
		return
	}
	if err := e.store.Save(ctx, decision); err != nil {
		e.log.WithError(err).WithField("tool", decision.Tool).Error("failed to save trust decision, kept for this session only")
	}
}

// Revoke forgets every trust decision for tool, persisted or not.
func (e *Engine) Revoke(ctx context.Context, tool string) error {
	e.mu.Lock()
	_, hadPersisted := e.persisted[tool]
	_, hadSession := e.session[tool]
	delete(e.persisted, tool)
	delete(e.session, tool)
	e.mu.Unlock()

	if e.store == nil {
		if !hadPersisted && !hadSession {
			return fmt.Errorf("no trust decision for %q", tool)
		}
		return nil
	}
	err := e.store.Delete(ctx, tool)
	if errors.Is(err, ErrNoDecision) && (hadPersisted || hadSession) {
		return nil
	}
	return err
}

// Decisions lists active trust decisions sorted by tool.
func (e *Engine) Decisions() []TrustDecision {
	e.mu.RLock()
	out := make([]TrustDecision, 0, len(e.persisted)+len(e.session))
	for _, decision := range e.persisted {
		out = append(out, decision)
	}
	for _, decision := range e.session {
		out = append(out, decision)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tool == out[j].Tool {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Tool < out[j].Tool
	})
	return out
}

// ErrNoDecision is returned by stores asked to delete an unknown tool.
var ErrNoDecision = errors.New("no trust decision for tool")

func matchPattern(pattern string, tool string) bool {
	if pattern == "*" || pattern == tool {
		return true
	}
	ok, err := doublestar.Match(pattern, tool)
	return err == nil && ok
}
