package telephony

import (
	"context"
	"fmt"
	"sync"
)

// SentSMS is one message recorded by MockClient.
type SentSMS struct {
	To   string
	Body string
}

// MockClient implements Client for testing. It records every request and
// can be told to fail.
type MockClient struct {
	mu       sync.Mutex
	calls    []CallRequest
	ended    []string
	sms      []SentSMS
	nextSID  int
	CallErr  error
	EndErr   error
	SMSErrTo map[string]error // per-recipient SMS failures
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{SMSErrTo: make(map[string]error)}
}

// PlaceCall records the request and returns a sequential SID.
func (m *MockClient) PlaceCall(ctx context.Context, req CallRequest) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.CallErr != nil {
		return nil, m.CallErr
	}
	m.nextSID++
	return &Call{SID: fmt.Sprintf("CA%04d", m.nextSID), Status: "queued"}, nil
}

// EndCall records the SID.
func (m *MockClient) EndCall(ctx context.Context, callSID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = append(m.ended, callSID)
	return m.EndErr
}

// SendSMS records the message unless a failure is configured for the recipient.
func (m *MockClient) SendSMS(ctx context.Context, to, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.SMSErrTo[to]; err != nil {
		return "", err
	}
	m.sms = append(m.sms, SentSMS{To: to, Body: body})
	return fmt.Sprintf("SM%04d", len(m.sms)), nil
}

// Calls returns a copy of the placed call requests.
func (m *MockClient) Calls() []CallRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CallRequest(nil), m.calls...)
}

// Ended returns a copy of the ended call SIDs.
func (m *MockClient) Ended() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ended...)
}

// SMS returns a copy of the sent messages.
func (m *MockClient) SMS() []SentSMS {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentSMS(nil), m.sms...)
}
