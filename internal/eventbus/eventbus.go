// Package eventbus exposes the narrow publish port the core depends on:
// fire-and-forget delivery of structured events to consumers outside the
// core. The five topics named here (run.state_changed, step.completed,
// approval.requested, approval.decided, audit.appended) are the full closed
// set the system publishes.
package eventbus

import (
	"context"
	"sync"
	"time"
)

const (
	TopicRunStateChanged    = "run.state_changed"
	TopicStepCompleted      = "step.completed"
	TopicApprovalRequested  = "approval.requested"
	TopicApprovalDecided    = "approval.decided"
	TopicAuditAppended      = "audit.appended"
)

// Event is one published message. Payload is a plain map so producers never
// need a shared schema package; consumers decode what they understand.
type Event struct {
	Topic     string
	TenantID  string
	Timestamp time.Time
	Payload   map[string]any
}

// Bus is the publish port. Implementations must not block the caller for
// long and must not let a delivery failure propagate as an error the core
// treats as fatal — publication is best-effort observability, never a
// correctness dependency.
type Bus interface {
	Publish(ctx context.Context, event Event)
}

// MemBus buffers published events in process memory. It is the default for
// tests and single-process deployments; production deployments wire a Bus
// that forwards to an external broker.
type MemBus struct {
	mu     sync.Mutex
	events []Event
	subs   []chan Event
}

// NewMemBus constructs an empty in-memory bus.
func NewMemBus() *MemBus {
	return &MemBus{}
}

func (b *MemBus) Publish(_ context.Context, event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	for _, sub := range b.subs {
		select {
		case sub <- event:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
}

// Events returns every event published so far, for test assertions.
func (b *MemBus) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Subscribe returns a channel that receives subsequently published events.
// The channel is buffered and non-blocking on the publisher side.
func (b *MemBus) Subscribe(buffer int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, buffer)
	b.subs = append(b.subs, ch)
	return ch
}

var _ Bus = (*MemBus)(nil)
