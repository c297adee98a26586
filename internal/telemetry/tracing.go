package telemetry

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultTracer возвращает tracer, если он задан, иначе noop.
func DefaultTracer(tracer trace.Tracer, name string) trace.Tracer {
	if tracer != nil {
		return tracer
	}
	return noop.NewTracerProvider().Tracer(name)
}

// EndSpan записывает ошибку (если есть) и закрывает span.
//
//	ctx, span := tracer.Start(ctx, "orchestrator.ResumeNode")
//	defer func() { telemetry.EndSpan(span, err) }()
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
