package guardrail

import (
	"context"
	"log/slog"

	"github.com/jkaninda/sanduku/internal/policy"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

// RedactionPlaceholder replaces every redacted span.
const RedactionPlaceholder = "[REDACTED]"

// Output scans execution results for sensitive-data leakage. Matched
// spans are redacted in place and counted; the response itself is
// always delivered — only the input and code stages may block outright.
type Output struct {
	store  *policy.Store
	audit  *AuditLog
	logger *slog.Logger
}

// NewOutput creates the output guardrail.
func NewOutput(store *policy.Store, audit *AuditLog, logger *slog.Logger) *Output {
	return &Output{store: store, audit: audit, logger: logger}
}

// Filter applies data-leak rules to stdout, the runtime message, and
// every textual artifact payload. Returns the same result with
// redactions applied and the count updated.
func (g *Output) Filter(ctx context.Context, sessionID string, result *sandbox.Result) *sandbox.Result {
	if result == nil {
		return nil
	}

	total := 0
	for _, rule := range g.store.Rules(policy.CategoryDataLeak) {
		switch rule.Action {
		case policy.ActionRedact:
			hits := 0

			var n int
			result.Stdout, n = rule.Redact(result.Stdout, RedactionPlaceholder)
			hits += n

			result.RuntimeMessage, n = rule.Redact(result.RuntimeMessage, RedactionPlaceholder)
			hits += n

			for i := range result.Artifacts {
				if !textualArtifact(result.Artifacts[i].Kind) {
					continue
				}
				result.Artifacts[i].Payload, n = rule.Redact(result.Artifacts[i].Payload, RedactionPlaceholder)
				hits += n
			}

			total += hits
			if hits > 0 {
				g.audit.Record(ctx, AuditEvent{
					SessionID: sessionID,
					Stage:     StageOutput,
					RuleID:    rule.ID,
					Decision:  string(policy.ActionRedact),
				})
			}

		case policy.ActionWarn:
			if rule.Match(result.Stdout) {
				g.audit.Record(ctx, AuditEvent{
					SessionID: sessionID,
					Stage:     StageOutput,
					RuleID:    rule.ID,
					Decision:  string(policy.ActionWarn),
				})
			}
		}
	}

	result.RedactionsApplied = total
	if total > 0 {
		g.logger.Info("output redacted",
			slog.String("session_id", sessionID),
			slog.Int("redactions", total),
		)
	}
	return result
}

// textualArtifact reports whether an artifact payload is scannable
// text. Base64 image payloads are opaque and carry no extractable
// spans.
func textualArtifact(kind sandbox.ArtifactKind) bool {
	return kind == sandbox.ArtifactPlotHTML || kind == sandbox.ArtifactTable
}
