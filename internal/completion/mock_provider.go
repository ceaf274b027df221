package completion

import (
	"context"
	"sync"
)

// MockProvider implements Provider for testing. Respond decides each
// answer; every request is recorded.
type MockProvider struct {
	mu       sync.Mutex
	requests []Request
	Respond  func(req Request) (string, error)
}

// NewMockProvider returns a provider that always answers text.
func NewMockProvider(text string) *MockProvider {
	return &MockProvider{Respond: func(Request) (string, error) { return text, nil }}
}

// Complete records the request and returns Respond's answer.
func (m *MockProvider) Complete(ctx context.Context, req Request) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	respond := m.Respond
	m.mu.Unlock()
	if respond == nil {
		return "", nil
	}
	return respond(req)
}

// Requests returns a copy of the recorded requests.
func (m *MockProvider) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}
