package eventbus

import "context"

// FanoutBus publishes every event to each of its constituent buses in
// order, letting the in-memory bus (tests, local Subscribe callers) and the
// OTel bus (tracing backends) both observe the same event stream.
type FanoutBus struct {
	buses []Bus
}

// NewFanoutBus constructs a FanoutBus over buses.
func NewFanoutBus(buses ...Bus) *FanoutBus {
	return &FanoutBus{buses: buses}
}

func (f *FanoutBus) Publish(ctx context.Context, event Event) {
	for _, b := range f.buses {
		b.Publish(ctx, event)
	}
}

var _ Bus = (*FanoutBus)(nil)
