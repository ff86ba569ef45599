package eventbus

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelBus implements Bus by turning every published event into a span: one
// span per event, named after the topic, with the event's fields and
// payload recorded as attributes and an error payload field marking the
// span failed.
type OTelBus struct {
	tracer trace.Tracer
}

// NewOTelBus constructs an OTelBus from an OpenTelemetry tracer, typically
// otel.Tracer("controlplane").
func NewOTelBus(tracer trace.Tracer) *OTelBus {
	return &OTelBus{tracer: tracer}
}

func (b *OTelBus) Publish(ctx context.Context, event Event) {
	_, span := b.tracer.Start(ctx, string(event.Topic))
	defer span.End()

	span.SetAttributes(
		attribute.String("tenant_id", event.TenantID),
		attribute.String("topic", string(event.Topic)),
	)
	for k, v := range event.Payload {
		if s, ok := v.(string); ok {
			span.SetAttributes(attribute.String(k, s))
		}
	}
	if errVal, ok := event.Payload["error"]; ok {
		span.SetStatus(codes.Error, "event carried an error payload")
		if s, ok := errVal.(string); ok {
			span.SetAttributes(attribute.String("error", s))
		}
	}
}

var _ Bus = (*OTelBus)(nil)
