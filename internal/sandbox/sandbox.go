// Package sandbox runs validated, AI-generated analysis code under
// enforced resource and time isolation. Untrusted code never runs
// directly on the host — it goes through one of two strategies behind
// the Sandbox interface: an ephemeral Docker container (preferred) or a
// restricted local interpreter (degraded-trust fallback).
//
// Both strategies share the same timeout semantics: a supervising
// watchdog (the execution context deadline plus a hard process kill)
// converts an overrunning execution into StatusTimeout and reclaims the
// process or container. Untrusted code is never relied on to yield.
package sandbox

import (
	"context"
	"io"
	"time"

	"github.com/jkaninda/sanduku/internal/session"
)

// Status classifies the outcome of a sandboxed execution.
type Status string

const (
	StatusOK               Status = "ok"
	StatusPolicyBlocked    Status = "policy_blocked"
	StatusTimeout          Status = "timeout"
	StatusResourceExceeded Status = "resource_exceeded"
	StatusRuntimeError     Status = "runtime_error"
	StatusUnavailable      Status = "sandbox_unavailable"
)

// Strategy identifies which execution back-end served a request.
type Strategy string

const (
	StrategyContainer             Strategy = "container"
	StrategyRestrictedInterpreter Strategy = "restricted-interpreter"
	StrategyUnavailable           Strategy = "unavailable"
)

// FilesystemMode controls what the sandboxed code may see on disk.
type FilesystemMode string

const (
	// FilesystemNone grants no filesystem access: the data context is
	// handed over inline on stdin, nothing is mounted.
	FilesystemNone FilesystemMode = "none"
	// FilesystemReadOnly additionally materializes the data context to
	// a per-request directory exposed read-only.
	FilesystemReadOnly FilesystemMode = "read-only"
)

// Resource limit defaults.
const (
	DefaultMaxWallSeconds = 30
	DefaultMaxMemoryBytes = 512 << 20 // 512 MiB
	DefaultMaxCPUFraction = 0.5
)

// ResourceLimits constrains a single execution. Configuration value,
// not mutated at runtime.
type ResourceLimits struct {
	MaxWallSeconds int
	MaxMemoryBytes int64
	MaxCPUFraction float64
	NetworkEnabled bool
	FilesystemMode FilesystemMode
}

// WithDefaults fills zero fields with the documented defaults.
func (l ResourceLimits) WithDefaults() ResourceLimits {
	if l.MaxWallSeconds <= 0 {
		l.MaxWallSeconds = DefaultMaxWallSeconds
	}
	if l.MaxMemoryBytes <= 0 {
		l.MaxMemoryBytes = DefaultMaxMemoryBytes
	}
	if l.MaxCPUFraction <= 0 {
		l.MaxCPUFraction = DefaultMaxCPUFraction
	}
	if l.FilesystemMode == "" {
		l.FilesystemMode = FilesystemNone
	}
	return l
}

// Timeout returns the wall-clock budget as a duration.
func (l ResourceLimits) Timeout() time.Duration {
	return time.Duration(l.MaxWallSeconds) * time.Second
}

// ArtifactKind tags a structured execution artifact.
type ArtifactKind string

const (
	ArtifactPlotImage ArtifactKind = "plot_image"
	ArtifactPlotHTML  ArtifactKind = "plot_html"
	ArtifactTable     ArtifactKind = "table"
)

// Artifact is a structured result emitted by the harness alongside
// stdout — a base64 PNG, a plotly HTML fragment, or a JSON table.
type Artifact struct {
	Kind    ArtifactKind `json:"kind"`
	Payload string       `json:"payload"`
}

// Result is the outcome of one execution request. Produced once per
// request; the output guardrail rewrites text fields in place before
// the result is released to the caller, after which it is immutable.
type Result struct {
	Status            Status     `json:"status"`
	Stdout            string     `json:"stdout"`
	Artifacts         []Artifact `json:"artifacts,omitempty"`
	RedactionsApplied int        `json:"redactions_applied"`

	// RuntimeMessage is the sanitized error text for StatusRuntimeError.
	// Never contains a stack trace or host path.
	RuntimeMessage string `json:"runtime_message,omitempty"`

	// BlockedRuleID and BlockedCategory identify the policy rule for
	// StatusPolicyBlocked. Only the category is surfaced to users.
	BlockedRuleID   string `json:"blocked_rule_id,omitempty"`
	BlockedCategory string `json:"blocked_category,omitempty"`

	Strategy Strategy      `json:"strategy"`
	Duration time.Duration `json:"duration"`
}

// Sandbox executes analysis code against a data context under limits.
//
// Execute returns a Result for every execution outcome, including
// timeouts and runtime faults. A non-nil error means the sandbox
// infrastructure itself failed (callers treat it as StatusUnavailable)
// or the caller's context was canceled before completion.
type Sandbox interface {
	Execute(ctx context.Context, code string, data *session.DataContext, limits ResourceLimits) (*Result, error)
	Strategy() Strategy
}

// maxOutputBytes caps captured stdout/stderr so chatty code cannot OOM
// the host.
const maxOutputBytes = 4 << 20 // 4 MB

// limitedWriter stops writing after a byte limit. Excess is silently
// discarded, not an error.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}
