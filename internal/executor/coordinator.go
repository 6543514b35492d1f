// Package executor orchestrates the full execution pipeline: input
// guardrail, code validation, serialized sandbox execution, and output
// filtering. The coordinator is the only component that talks to every
// stage; the stages never call each other.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sanduku/internal/guardrail"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/policy"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/session"
	"github.com/jkaninda/sanduku/internal/validator"
)

// Request is one unit of work: a user message plus the analysis code
// generated for it, bound to a session's data context.
type Request struct {
	ID        string // assigned when empty
	SessionID string
	Message   string // original user request; screened before anything runs
	Code      string
	Limits    sandbox.ResourceLimits
}

// Config tunes coordinator concurrency behavior.
type Config struct {
	// RejectConcurrent fails a second in-flight request per session
	// with ErrSessionBusy instead of queueing it.
	RejectConcurrent bool
	// LockWait bounds how long a queued request waits for the session
	// slot before giving up.
	LockWait time.Duration
}

// StatusReport is the answer to a status query.
type StatusReport struct {
	GuardrailsActive bool   `json:"guardrails_active"`
	SandboxStrategy  string `json:"sandbox_strategy"`
	PolicyVersion    string `json:"policy_version"`
	SessionDriver    string `json:"session_driver"`
}

// Coordinator drives a request through screening, validation,
// execution, and output filtering. Requests for the same session are
// serialized; different sessions run concurrently.
type Coordinator struct {
	input     *guardrail.Input
	validator *validator.Validator
	output    *guardrail.Output
	sandbox   sandbox.Sandbox
	store     session.Store
	locks     *lockTable
	audit     *guardrail.AuditLog
	metrics   *observability.MetricsCollector
	anomaly   *observability.AnomalyDetector
	tracer    trace.Tracer
	logger    *slog.Logger
	cfg       Config
}

// New wires a Coordinator. metrics, anomaly, and ts may be nil.
func New(
	input *guardrail.Input,
	val *validator.Validator,
	output *guardrail.Output,
	sbx sandbox.Sandbox,
	store session.Store,
	audit *guardrail.AuditLog,
	metrics *observability.MetricsCollector,
	anomaly *observability.AnomalyDetector,
	ts *observability.TracerSetup,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	if cfg.LockWait <= 0 {
		cfg.LockWait = 60 * time.Second
	}
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &Coordinator{
		input:     input,
		validator: val,
		output:    output,
		sandbox:   sbx,
		store:     store,
		locks:     newLockTable(),
		audit:     audit,
		metrics:   metrics,
		anomaly:   anomaly,
		tracer:    tracer,
		logger:    logger,
		cfg:       cfg,
	}
}

// Submit runs one request end to end and returns its filtered result.
// A non-nil error means the request never produced a result: the
// caller canceled, or the session slot could not be claimed. Every
// other outcome, including sandbox faults, comes back as a Result.
func (c *Coordinator) Submit(ctx context.Context, req *Request) (*sandbox.Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "executor.submit",
			trace.WithAttributes(
				attribute.String("request.id", req.ID),
				attribute.String("session.id", req.SessionID),
			))
		defer span.End()
	}

	if c.metrics != nil {
		c.metrics.ActiveExecutions.Inc()
		defer c.metrics.ActiveExecutions.Dec()
	}

	start := time.Now()
	result, err := c.run(ctx, req)
	if err != nil {
		if c.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}

	result.Duration = time.Since(start)

	c.recordOutcome(ctx, req, result)
	return result, nil
}

func (c *Coordinator) run(ctx context.Context, req *Request) (*sandbox.Result, error) {
	// Stage 1: screen the user's message before any code is considered.
	if req.Message != "" {
		verdict := c.input.Screen(ctx, req.SessionID, req.Message)
		if !verdict.Allowed {
			return &sandbox.Result{
				Status:          sandbox.StatusPolicyBlocked,
				BlockedRuleID:   verdict.RuleID,
				BlockedCategory: string(policy.CategoryIntent),
			}, nil
		}
	}

	// Stage 2: static screening of the generated code.
	report := c.validator.Validate(ctx, req.SessionID, req.Code)
	if !report.Cleared {
		res := &sandbox.Result{
			Status:          sandbox.StatusPolicyBlocked,
			BlockedCategory: string(policy.CategoryCode),
		}
		if len(report.Violations) > 0 {
			res.BlockedRuleID = report.Violations[0].RuleID
		}
		return res, nil
	}

	// Stage 3: claim the session's execution slot. Held only around
	// the sandbox run so blocked requests never queue behind it.
	lockStart := time.Now()
	release, err := c.locks.acquire(ctx, req.SessionID, c.cfg.RejectConcurrent, c.cfg.LockWait)
	if err != nil {
		if errors.Is(err, ErrSessionBusy) && c.metrics != nil {
			c.metrics.SessionLockRejectionsTotal.Inc()
		}
		return nil, err
	}
	defer release()
	if c.metrics != nil {
		c.metrics.SessionLockWaitDuration.Observe(time.Since(lockStart).Seconds())
	}

	data, err := c.store.Get(ctx, req.SessionID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		c.logger.Error("loading data context",
			slog.String("session_id", req.SessionID),
			slog.String("error", err.Error()),
		)
		return &sandbox.Result{Status: sandbox.StatusUnavailable}, nil
	}

	result, err := c.sandbox.Execute(ctx, report.Code, data, req.Limits)
	if err != nil {
		// Canceled callers get nothing: partial output is discarded.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Anything else is the sandbox infrastructure failing, not the
		// code. The caller sees a clean unavailable outcome.
		c.logger.Error("sandbox infrastructure failure",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
		return &sandbox.Result{
			Status:   sandbox.StatusUnavailable,
			Strategy: c.sandbox.Strategy(),
		}, nil
	}

	// Stage 4: output filtering runs on every result that made it past
	// the guardrails, whatever its status. Error text leaks too.
	result = c.output.Filter(ctx, req.SessionID, result)
	return result, nil
}

func (c *Coordinator) recordOutcome(ctx context.Context, req *Request, result *sandbox.Result) {
	blocked := result.Status == sandbox.StatusPolicyBlocked

	if c.metrics != nil {
		if blocked {
			stage := guardrail.StageCode
			if result.BlockedCategory == string(policy.CategoryIntent) {
				stage = guardrail.StageInput
			}
			c.metrics.GuardrailDecisionsTotal.WithLabelValues(stage, "block").Inc()
		}
		if result.RedactionsApplied > 0 {
			c.metrics.RedactionsTotal.Add(float64(result.RedactionsApplied))
		}
		c.metrics.ExecutionsTotal.WithLabelValues(string(result.Strategy), string(result.Status)).Inc()
		c.metrics.ExecutionDuration.WithLabelValues(string(result.Strategy)).Observe(result.Duration.Seconds())
	}

	if blocked {
		c.anomaly.RecordBlocked(req.SessionID)
	} else {
		c.anomaly.RecordAllowed(req.SessionID)
	}

	c.audit.Record(ctx, guardrail.AuditEvent{
		SessionID: req.SessionID,
		RequestID: req.ID,
		Stage:     guardrail.StageExecution,
		RuleID:    result.BlockedRuleID,
		Decision:  string(result.Status),
	})

	c.logger.Info("request completed",
		slog.String("request_id", req.ID),
		slog.String("session_id", req.SessionID),
		slog.String("status", string(result.Status)),
		slog.String("strategy", string(result.Strategy)),
		slog.Duration("duration", result.Duration),
		slog.Int("redactions", result.RedactionsApplied),
	)
}

// Status reports the subsystem's operational posture.
func (c *Coordinator) Status() StatusReport {
	return StatusReport{
		GuardrailsActive: true,
		SandboxStrategy:  string(c.sandbox.Strategy()),
		PolicyVersion:    c.validator.PolicyVersion(),
		SessionDriver:    c.store.Driver(),
	}
}

// UserMessage maps a result to text safe to show an end user. Rule
// internals, host paths, and infrastructure details never appear.
func UserMessage(result *sandbox.Result) string {
	switch result.Status {
	case sandbox.StatusOK:
		return ""
	case sandbox.StatusPolicyBlocked:
		if result.BlockedCategory == string(policy.CategoryIntent) {
			return "This request was declined by the safety policy."
		}
		return "The generated code was declined by the safety policy."
	case sandbox.StatusTimeout:
		return "The analysis took too long and was stopped."
	case sandbox.StatusResourceExceeded:
		return "The analysis exceeded its resource limits and was stopped."
	case sandbox.StatusRuntimeError:
		if result.RuntimeMessage != "" {
			return "The analysis failed: " + result.RuntimeMessage
		}
		return "The analysis failed while running."
	case sandbox.StatusUnavailable:
		return "Code execution is temporarily unavailable. Please try again later."
	default:
		return "The analysis could not be completed."
	}
}
