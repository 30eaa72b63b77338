package safety

import (
	"context"
	"encoding/json"
	"time"
)

type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionAsk   Decision = "ask"
)

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

type Scope string

const (
	ScopeOnce      Scope = "once"
	ScopeSession   Scope = "session"
	ScopePersisted Scope = "persisted"
)

// Outcome is the user's answer to a confirmation prompt.
type Outcome string

const (
	OutcomeAllowOnce    Outcome = "allow_once"
	OutcomeAllowSession Outcome = "allow_session"
	OutcomeDenyOnce     Outcome = "deny_once"
	OutcomePersistAllow Outcome = "persist_allow"
	OutcomePersistDeny  Outcome = "persist_deny"
)

const decidedByUser = "user"

type Rule struct {
	Pattern string
	Effect  Effect
}

type TrustDecision struct {
	Tool      string    `json:"tool" yaml:"tool"`
	Effect    Effect    `json:"effect" yaml:"effect"`
	Scope     Scope     `json:"scope" yaml:"scope"`
	DecidedBy string    `json:"decided_by" yaml:"decided_by"`
	DecidedAt time.Time `json:"decided_at" yaml:"decided_at"`
}

type Evaluation struct {
	Decision Decision
	Reason   string
	// Pattern is the rule that decided, empty for trust decisions and prompts.
	Pattern string
}

type PromptRequest struct {
	Tool        string
	Arguments   json.RawMessage
	Description string
	ReadOnly    bool
	Destructive bool
}

type Prompter interface {
	Confirm(ctx context.Context, req PromptRequest) (Outcome, error)
}

type PrompterFunc func(ctx context.Context, req PromptRequest) (Outcome, error)

func (f PrompterFunc) Confirm(ctx context.Context, req PromptRequest) (Outcome, error) {
	return f(ctx, req)
}

// TrustStore persists trust decisions across process runs.
type TrustStore interface {
	Load(ctx context.Context) ([]TrustDecision, error)
	Save(ctx context.Context, decision TrustDecision) error
	Delete(ctx context.Context, tool string) error
}

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeAllowOnce, OutcomeAllowSession, OutcomeDenyOnce, OutcomePersistAllow, OutcomePersistDeny:
		return true
	}
	return false
}
