package notify

import (
	"context"
	"sync"
)

// MockNotifier implements Notifier for testing.
type MockNotifier struct {
	mu     sync.Mutex
	name   string
	alerts []Alert
	Err    error
}

// NewMockNotifier creates a MockNotifier reporting the given channel name.
func NewMockNotifier(name string) *MockNotifier {
	return &MockNotifier{name: name}
}

// Name implements Notifier.
func (m *MockNotifier) Name() string { return m.name }

// Notify records the alert and returns Err.
func (m *MockNotifier) Notify(ctx context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return m.Err
}

// Alerts returns a copy of the recorded alerts.
func (m *MockNotifier) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}
