// Package tracesync attaches an OpenTelemetry span to the lifetime of a
// transaction, closing it with the outcome once the transaction completes.
package tracesync

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"metapus/internal/core/tx"
)

var tracer = otel.Tracer("metapus/tx")

// Span is a tx.Synchronization that opens a span at construction and closes
// it in AfterCompletion, recording the transaction's final status.
type Span struct {
	tx.NoopSynchronization

	span trace.Span
}

// Start opens a span named name and returns a Span synchronization to
// register on the current transaction via tx.RegisterSynchronization.
func Start(ctx context.Context, name string, def tx.Definition) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("tx.propagation", def.Propagation.String()),
		attribute.String("tx.isolation", def.Isolation.String()),
		attribute.Bool("tx.read_only", def.ReadOnly),
	))
	return ctx, &Span{span: span}
}

// Suspend marks the span as temporarily inactive while an inner transaction runs.
func (s *Span) Suspend(ctx context.Context) error {
	s.span.AddEvent("suspended")
	return nil
}

// Resume marks the span active again after an inner transaction completes.
func (s *Span) Resume(ctx context.Context) error {
	s.span.AddEvent("resumed")
	return nil
}

// AfterCompletion records the outcome and ends the span.
func (s *Span) AfterCompletion(ctx context.Context, status tx.CompletionStatus) error {
	if status == tx.StatusRolledBack {
		s.span.SetStatus(codes.Error, "rolled back")
	}
	s.span.SetAttributes(attribute.String("tx.outcome", status.String()))
	s.span.End()
	return nil
}

var _ tx.Synchronization = (*Span)(nil)
