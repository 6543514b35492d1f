// Package guardrail implements the policy-evaluation stages wrapped
// around sandbox execution: the input guardrail screens requests for
// malicious intent before code generation, and the output guardrail
// redacts sensitive spans from execution results. Both evaluate the
// shared read-only policy store and record decisions in an append-only
// audit log.
package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Stage names used in audit records.
const (
	StageInput     = "input"
	StageCode      = "code"
	StageOutput    = "output"
	StageExecution = "execution"
)

// AuditEvent is one guardrail or execution decision.
type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	RequestID string    `json:"request_id,omitempty"`
	Stage     string    `json:"stage"`
	RuleID    string    `json:"rule_id,omitempty"`
	Decision  string    `json:"decision"` // "allow", "block", "redact", "warn", or an execution status.
	Detail    string    `json:"detail,omitempty"`
}

// AuditLog writes decisions as append-only JSONL, one event per line.
// Thread-safe. A nil *AuditLog discards events, so callers never need
// a nil check.
type AuditLog struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewAuditLog opens (or creates) the audit file in append-only mode
// with owner-only permissions.
func NewAuditLog(path string, logger *slog.Logger) (*AuditLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &AuditLog{file: f, logger: logger}, nil
}

// Record appends the event. Marshal happens outside the lock; only the
// file write is serialized. Write failures are logged, not propagated —
// a full disk must not take the execution pipeline down with it.
func (a *AuditLog) Record(ctx context.Context, event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		a.logger.ErrorContext(ctx, "marshaling audit event", slog.String("error", err.Error()))
		return
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		a.logger.ErrorContext(ctx, "writing audit event", slog.String("error", writeErr.Error()))
		return
	}

	a.logger.InfoContext(ctx, "audit event",
		slog.String("stage", event.Stage),
		slog.String("session_id", event.SessionID),
		slog.String("rule_id", event.RuleID),
		slog.String("decision", event.Decision),
	)
}

// Close closes the underlying file.
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
