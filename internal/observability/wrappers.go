package observability

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/vaultlaunch/internal/sandbox"
)

// InstrumentedSandbox wraps a sandbox.Sandbox with metrics and tracing.
// Only the program name is recorded; arguments and environment may carry
// secret material and never reach a span or a label.
type InstrumentedSandbox struct {
	inner   sandbox.Sandbox
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	program := programName(req.Command)

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.program", program),
			))
	}

	start := time.Now()
	result, err := s.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	var attrs []attribute.KeyValue
	switch {
	case err != nil:
		status = "error"
	case result != nil && result.ExitCode != 0:
		status = "nonzero_exit"
		attrs = append(attrs, attribute.Int("sandbox.exit_code", result.ExitCode))
	}
	if span != nil {
		EndSpan(span, err, attrs...)
	}

	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(program, status).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(program).Observe(duration)
	}

	return result, err
}

// programName reduces a command to its lowercase base name without
// extension, e.g. "C:\Windows\...\powershell.exe" -> "powershell".
func programName(command []string) string {
	if len(command) == 0 {
		return "unknown"
	}
	name := command[0]
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if name == "" {
		return "unknown"
	}
	return strings.ToLower(name)
}

var _ sandbox.Sandbox = (*InstrumentedSandbox)(nil)
