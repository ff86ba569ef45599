package llm

import "context"

// Mock is a scripted Capability for tests: it returns responses from a
// queue, one per call, and records every request it received.
type Mock struct {
	Responses []Response
	Err       error
	Requests  []Request
	i         int
}

func (m *Mock) Complete(_ context.Context, req Request) (Response, error) {
	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return Response{}, m.Err
	}
	if m.i >= len(m.Responses) {
		return Response{}, nil
	}
	resp := m.Responses[m.i]
	m.i++
	return resp, nil
}

var _ Capability = (*Mock)(nil)
