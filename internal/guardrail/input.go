package guardrail

import (
	"context"
	"log/slog"

	"github.com/jkaninda/sanduku/internal/policy"
)

// InputConfig configures the input guardrail.
type InputConfig struct {
	// LogRejectedMessage controls whether the full rejected message is
	// written to the audit log. Off by default: audit value traded
	// against storing user text that may itself be sensitive.
	LogRejectedMessage bool
}

// Input screens natural-language requests against intent-category
// policy rules before any code is generated. Pure over its inputs and
// the policy store; the audit log is its only side effect.
type Input struct {
	store  *policy.Store
	audit  *AuditLog
	config InputConfig
	logger *slog.Logger
}

// Verdict is the outcome of an input screen.
type Verdict struct {
	Allowed bool
	RuleID  string // Set when blocked.
}

// NewInput creates the input guardrail.
func NewInput(store *policy.Store, audit *AuditLog, cfg InputConfig, logger *slog.Logger) *Input {
	return &Input{store: store, audit: audit, config: cfg, logger: logger}
}

// Screen evaluates the message against intent rules in order. The first
// match wins and short-circuits; no match allows.
func (g *Input) Screen(ctx context.Context, sessionID, message string) Verdict {
	for _, rule := range g.store.Rules(policy.CategoryIntent) {
		if !rule.Match(message) {
			continue
		}

		event := AuditEvent{
			SessionID: sessionID,
			Stage:     StageInput,
			RuleID:    rule.ID,
			Decision:  string(policy.ActionBlock),
		}
		if g.config.LogRejectedMessage {
			event.Detail = message
		}
		g.audit.Record(ctx, event)

		g.logger.Warn("input blocked by policy",
			slog.String("session_id", sessionID),
			slog.String("rule_id", rule.ID),
		)
		return Verdict{Allowed: false, RuleID: rule.ID}
	}

	g.audit.Record(ctx, AuditEvent{
		SessionID: sessionID,
		Stage:     StageInput,
		Decision:  "allow",
	})
	return Verdict{Allowed: true}
}
