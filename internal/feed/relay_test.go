package feed

import (
	"context"
	"errors"
	"testing"
	"time"
)

// loopback delivers every NOTIFY straight back to the LISTEN side.
type loopback struct {
	ch        chan string
	channel   string
	notifyErr error
	closed    bool
}

func newLoopback() *loopback { return &loopback{ch: make(chan string, 8)} }

func (l *loopback) Listen(_ context.Context, channel string) error {
	l.channel = channel
	return nil
}

func (l *loopback) WaitForNotification(ctx context.Context) (string, error) {
	select {
	case p := <-l.ch:
		return p, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (l *loopback) Close(context.Context) error {
	l.closed = true
	return nil
}

func (l *loopback) Notify(_ context.Context, channel, payload string) error {
	if l.notifyErr != nil {
		return l.notifyErr
	}
	if channel != l.channel {
		return errors.New("wrong channel")
	}
	l.ch <- payload
	return nil
}

func TestRelay_RoundTrip(t *testing.T) {
	lb := newLoopback()
	local := NewBroker()
	sub := local.Subscribe("s1")
	defer sub.Close()

	r := NewRelay(RelayOpts{Channel: "sos_changes", Local: local, Listener: lb, Notifier: lb})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	r.Publish(Event{Table: TableMessages, Op: OpInsert, SessionID: "s1", MessageID: 3})
	ev := recv(t, sub)
	if ev.MessageID != 3 || ev.Op != OpInsert {
		t.Errorf("event = %+v", ev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !lb.closed {
		t.Error("listener not closed on Stop")
	}
}

func TestRelay_NotifyFailureFallsBackToLocal(t *testing.T) {
	lb := newLoopback()
	lb.notifyErr = errors.New("connection reset")
	local := NewBroker()
	sub := local.Subscribe("s1")
	defer sub.Close()

	r := NewRelay(RelayOpts{Channel: "sos_changes", Local: local, Listener: lb, Notifier: lb})
	r.Publish(Event{Table: TableSessions, Op: OpUpdate, SessionID: "s1"})

	if ev := recv(t, sub); ev.Table != TableSessions {
		t.Errorf("event = %+v, want local fallback", ev)
	}
}

func TestRelay_BadPayloadSkipped(t *testing.T) {
	lb := newLoopback()
	local := NewBroker()
	sub := local.Subscribe("s1")
	defer sub.Close()

	r := NewRelay(RelayOpts{Channel: "c", Local: local, Listener: lb, Notifier: lb})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background())

	lb.ch <- "not json"
	lb.ch <- `{"table":"sos_messages","op":"INSERT","session_id":"s1","message_id":1}`

	if ev := recv(t, sub); ev.MessageID != 1 {
		t.Errorf("event = %+v, want message 1 after skipping bad payload", ev)
	}
}
