package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/session"
)

// InstrumentedSandbox wraps a sandbox.Sandbox with tracing and
// anomaly detection. Request-level metrics stay in the coordinator,
// which also sees requests the guardrails block before they reach the
// sandbox; this wrapper covers only what happens inside a run.
type InstrumentedSandbox struct {
	inner   sandbox.Sandbox
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:   inner,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (s *InstrumentedSandbox) Strategy() sandbox.Strategy { return s.inner.Strategy() }

func (s *InstrumentedSandbox) Execute(ctx context.Context, code string, data *session.DataContext, limits sandbox.ResourceLimits) (*sandbox.Result, error) {
	strategy := string(s.inner.Strategy())

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.strategy", strategy),
			))
		defer span.End()
	}

	result, err := s.inner.Execute(ctx, code, data, limits)

	if err != nil {
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if result != nil && s.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.String("sandbox.status", string(result.Status)))
	}

	infraFailure := err != nil || (result != nil && result.Status == sandbox.StatusUnavailable)
	s.anomaly.RecordSandboxRun(strategy, infraFailure)

	return result, err
}

var _ sandbox.Sandbox = (*InstrumentedSandbox)(nil)
