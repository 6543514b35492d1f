// Package validator statically screens generated analysis code against
// the code-category policy rules before anything reaches a sandbox.
package validator

import (
	"context"
	"log/slog"
	"strings"

	"github.com/jkaninda/sanduku/internal/guardrail"
	"github.com/jkaninda/sanduku/internal/policy"
)

// Violation records a single blocking rule match.
type Violation struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
}

// Report is the outcome of screening one piece of code. When Cleared
// is true, Code holds the (possibly sanitized) text to execute.
// Otherwise Violations lists every blocking rule that matched; all
// blocks are collected rather than stopping at the first so the
// caller can report the full picture.
type Report struct {
	Cleared    bool
	Code       string
	Sanitized  bool
	Violations []Violation
}

// Validator screens code against an immutable policy snapshot. Given
// the same policy version and input it always produces the same
// report.
type Validator struct {
	store  *policy.Store
	audit  *guardrail.AuditLog
	logger *slog.Logger
}

func New(store *policy.Store, audit *guardrail.AuditLog, logger *slog.Logger) *Validator {
	return &Validator{store: store, audit: audit, logger: logger}
}

// Validate applies every code-category rule to the given source.
// Block rules fail closed: one match rejects the code. Sanitize
// rules strip the offending lines and execution proceeds with the
// rewritten text.
func (v *Validator) Validate(ctx context.Context, sessionID, code string) Report {
	report := Report{Code: code}

	for _, rule := range v.store.Rules(policy.CategoryCode) {
		switch rule.Action {
		case policy.ActionBlock:
			if rule.Match(report.Code) {
				report.Violations = append(report.Violations, Violation{
					RuleID:      rule.ID,
					Description: rule.Description,
				})
				v.audit.Record(ctx, guardrail.AuditEvent{
					SessionID: sessionID,
					Stage:     guardrail.StageCode,
					RuleID:    rule.ID,
					Decision:  string(policy.ActionBlock),
				})
			}

		case policy.ActionSanitize:
			stripped := rule.Strip(report.Code)
			if stripped == report.Code {
				continue
			}
			report.Code = stripped
			report.Sanitized = true
			v.audit.Record(ctx, guardrail.AuditEvent{
				SessionID: sessionID,
				Stage:     guardrail.StageCode,
				RuleID:    rule.ID,
				Decision:  string(policy.ActionSanitize),
			})
		}
	}

	if len(report.Violations) > 0 {
		report.Cleared = false
		report.Code = ""
		v.logger.Warn("code rejected",
			slog.String("session_id", sessionID),
			slog.String("policy_version", v.store.Version()),
			slog.Int("violations", len(report.Violations)),
		)
		return report
	}

	report.Cleared = true
	report.Code = strings.TrimRight(report.Code, "\n") + "\n"
	return report
}

// PolicyVersion exposes the fingerprint of the rule set this
// validator screens against.
func (v *Validator) PolicyVersion() string {
	return v.store.Version()
}
