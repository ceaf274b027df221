package callflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/whisprnet/internal/completion"
	"github.com/zulandar/whisprnet/internal/config"
	"github.com/zulandar/whisprnet/internal/db"
	"github.com/zulandar/whisprnet/internal/models"
	"github.com/zulandar/whisprnet/internal/store"
	"github.com/zulandar/whisprnet/internal/telephony"
)

type fakeSTT struct {
	mu    sync.Mutex
	text  string
	err   error
	calls []string
}

func (f *fakeSTT) TranscribeRecording(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	return f.text, f.err
}

type queued struct{ kind, sessionID string }

type fakeOutbox struct {
	mu     sync.Mutex
	events []queued
}

func (f *fakeOutbox) Enqueue(ctx context.Context, kind, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, queued{kind, sessionID})
	return true, nil
}

func (f *fakeOutbox) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

type harness struct {
	orch   *Orchestrator
	store  *store.Store
	phone  *telephony.MockClient
	stt    *fakeSTT
	llm    *completion.MockProvider
	outbox *fakeOutbox
}

func newHarness(t *testing.T, llmAnswer string) *harness {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("db.Connect: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	h := &harness{
		store:  store.New(gdb, nil),
		phone:  telephony.NewMockClient(),
		stt:    &fakeSTT{},
		llm:    completion.NewMockProvider(llmAnswer),
		outbox: &fakeOutbox{},
	}
	h.orch, err = New(Opts{
		Store:       h.store,
		Phone:       h.phone,
		Transcriber: h.stt,
		Assistant:   completion.NewService(h.llm, nil, nil),
		Outbox:      h.outbox,
		Policy:      testPolicy(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

// seed inserts a live session directly, without placing a call.
func (h *harness) seed(t *testing.T, mutate func(*models.Session)) *models.Session {
	t.Helper()
	sid := "CA-s1"
	sess := &models.Session{
		ID:             "s1",
		CallNumber:     "+15550001111",
		CallSID:        &sid,
		CallStatus:     models.CallInProgress,
		CallState:      string(StateRecording),
		AIGuideEnabled: true,
	}
	if mutate != nil {
		mutate(sess)
	}
	if _, err := h.store.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func (h *harness) addUserMessage(t *testing.T, body string, at time.Time) {
	t.Helper()
	err := h.store.AppendMessage(context.Background(), &models.Message{
		SessionID: "s1", Sender: models.SenderUser, SourceType: models.SourceUser, Body: body, CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
}

func (h *harness) session(t *testing.T) *models.Session {
	t.Helper()
	sess, err := h.store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	return sess
}

func (h *harness) messages(t *testing.T) []models.Message {
	t.Helper()
	msgs, err := h.store.Messages(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	return msgs
}

func sosRequest() SOSRequest {
	return SOSRequest{
		SessionID:       "s1",
		Situation:       "Someone is breaking in",
		Location:        "12 Elm St",
		NumberOfThreats: 1,
		CallNumber:      "+15550001111",
		Contact1:        "+100",
		Contact2:        "",
		AIGuideEnabled:  true,
	}
}

func TestStartSession(t *testing.T) {
	h := newHarness(t, "I am WhisprNet. A break-in is in progress at 12 Elm St.")
	ctx := context.Background()

	res, err := h.orch.StartSession(ctx, sosRequest())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if !res.Created || res.CallSID != "CA0001" {
		t.Errorf("result = %+v", res)
	}

	calls := h.phone.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].To != "+15550001111" {
		t.Errorf("To = %q", calls[0].To)
	}
	if !strings.HasPrefix(calls[0].ScriptURL, "https://sos.example.org/sos/twiml-voice?") || !strings.Contains(calls[0].ScriptURL, "session_id=s1") {
		t.Errorf("ScriptURL = %q", calls[0].ScriptURL)
	}
	if calls[0].StatusCallback != "https://sos.example.org/sos/call-status" {
		t.Errorf("StatusCallback = %q", calls[0].StatusCallback)
	}
	if calls[0].TimeLimitSec != 1800 {
		t.Errorf("TimeLimitSec = %d, want 1800", calls[0].TimeLimitSec)
	}

	sess := h.session(t)
	if sess.EmergencyContacts != "+100" {
		t.Errorf("EmergencyContacts = %q, want %q", sess.EmergencyContacts, "+100")
	}
	if sess.CallSID == nil || *sess.CallSID != "CA0001" {
		t.Errorf("CallSID = %v", sess.CallSID)
	}
	if sess.CallState != string(StateRinging) {
		t.Errorf("CallState = %q, want ringing", sess.CallState)
	}

	msgs := h.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].SourceType != models.SourceUser || msgs[0].Body != "Someone is breaking in" || !msgs[0].SentToResponder {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].SourceType != models.SourceAI || !strings.HasPrefix(msgs[1].Body, "I am WhisprNet") || !msgs[1].SentToResponder {
		t.Errorf("second message = %+v", msgs[1])
	}
	if got := h.outbox.count(models.KindEscalationImmediate); got != 1 {
		t.Errorf("immediate escalations = %d, want 1", got)
	}
}

func TestStartSession_DuplicateIsNoop(t *testing.T) {
	h := newHarness(t, "summary")
	ctx := context.Background()

	if _, err := h.orch.StartSession(ctx, sosRequest()); err != nil {
		t.Fatalf("first StartSession: %v", err)
	}
	res, err := h.orch.StartSession(ctx, sosRequest())
	if err != nil {
		t.Fatalf("second StartSession: %v", err)
	}
	if res.Created {
		t.Error("second submission should not create")
	}
	if res.CallSID != "CA0001" {
		t.Errorf("CallSID = %q, want existing call", res.CallSID)
	}
	if n := len(h.phone.Calls()); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
	if n := len(h.messages(t)); n != 2 {
		t.Errorf("messages = %d, want 2", n)
	}
	if got := h.outbox.count(models.KindEscalationImmediate); got != 1 {
		t.Errorf("immediate escalations = %d, want 1", got)
	}
}

func TestStartSession_NoContactsNoEscalation(t *testing.T) {
	h := newHarness(t, "summary")
	req := sosRequest()
	req.Contact1, req.Contact2 = "  ", ""
	if _, err := h.orch.StartSession(context.Background(), req); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if got := h.outbox.count(models.KindEscalationImmediate); got != 0 {
		t.Errorf("immediate escalations = %d, want 0", got)
	}
	if c := h.session(t).EmergencyContacts; c != "" {
		t.Errorf("EmergencyContacts = %q, want empty", c)
	}
}

func TestStartSession_SummaryFallback(t *testing.T) {
	h := newHarness(t, "")
	h.llm.Respond = func(completion.Request) (string, error) { return "", errors.New("model down") }
	if _, err := h.orch.StartSession(context.Background(), sosRequest()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	msgs := h.messages(t)
	if msgs[1].Body != completion.SummaryFallback {
		t.Errorf("summary = %q, want fallback", msgs[1].Body)
	}
	if !strings.Contains(h.phone.Calls()[0].ScriptURL, "Please+send+help") {
		t.Errorf("ScriptURL = %q, want fallback in msg", h.phone.Calls()[0].ScriptURL)
	}
}

func TestStartSession_PlaceCallFails(t *testing.T) {
	h := newHarness(t, "summary")
	h.phone.CallErr = errors.New("invalid number")

	_, err := h.orch.StartSession(context.Background(), sosRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	sess := h.session(t)
	if sess.CallStatus != models.CallFailed || sess.CallState != string(StateFailed) {
		t.Errorf("status/state = %q/%q, want failed/failed", sess.CallStatus, sess.CallState)
	}
	msgs := h.messages(t)
	last := msgs[len(msgs)-1]
	if last.Sender != models.SenderSystem {
		t.Errorf("last message = %+v, want system note", last)
	}
	if got := h.outbox.count(models.KindEscalationImmediate); got != 0 {
		t.Errorf("immediate escalations = %d, want 0", got)
	}
}

func TestStartSession_Validation(t *testing.T) {
	h := newHarness(t, "")
	req := sosRequest()
	req.CallNumber = ""
	if _, err := h.orch.StartSession(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
	req = sosRequest()
	req.SessionID = " "
	if _, err := h.orch.StartSession(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestVoiceScript(t *testing.T) {
	h := newHarness(t, "")
	h.seed(t, func(s *models.Session) { s.CallState = string(StateRinging) })

	script := h.orch.VoiceScript(context.Background(), "s1", "Help is needed at 12 Elm St.")
	if script[0].Text != "Help is needed at 12 Elm St." || !script.Has(telephony.StepRecord) {
		t.Errorf("script = %+v", script)
	}
	if st := h.session(t).CallState; st != string(StateRecording) {
		t.Errorf("CallState = %q, want recording", st)
	}

	missing := h.orch.VoiceScript(context.Background(), "nope", "x")
	if missing[0].Text != LineMissingSession {
		t.Errorf("missing session script = %+v", missing)
	}
}

func TestHandleRecording_CompletedCallRefused(t *testing.T) {
	h := newHarness(t, "I'm fine.")
	h.seed(t, func(s *models.Session) { s.CallStatus = models.CallCompleted })
	h.stt.text = "Where are you?"

	script := h.orch.HandleRecording(context.Background(), "s1", "https://rec/1", models.CallInProgress)
	if script[0].Text != LineNotActive || !script.Has(telephony.StepHangup) {
		t.Errorf("script = %+v", script)
	}
	if len(h.stt.calls) != 0 {
		t.Error("recording of a completed call must not be transcribed")
	}
	for _, m := range h.messages(t) {
		if m.Sender == models.SenderResponder {
			t.Errorf("unexpected responder message %+v", m)
		}
	}
	if p := h.session(t).ResponderProcessingStatus; p != models.ProcessingIdle {
		t.Errorf("processing = %q, want idle", p)
	}
}

func TestHandleRecording_AIGuideOffWaits(t *testing.T) {
	h := newHarness(t, "My name is Ana.")
	h.seed(t, func(s *models.Session) { s.AIGuideEnabled = false })
	h.addUserMessage(t, "My name is Ana and I'm at 12 Elm St", time.Now())
	h.stt.text = "What is your name?"

	script := h.orch.HandleRecording(context.Background(), "s1", "https://rec/1", models.CallInProgress)
	if script[0].Text != LineWaiting || !script.Has(telephony.StepRedirect) {
		t.Errorf("script = %+v, want wait branch", script)
	}
	if n := len(h.llm.Requests()); n != 0 {
		t.Errorf("model requests = %d, want 0", n)
	}
	sess := h.session(t)
	if sess.CallState != string(StateWaiting) || sess.ResponderProcessingStatus != models.ProcessingIdle {
		t.Errorf("state/processing = %q/%q", sess.CallState, sess.ResponderProcessingStatus)
	}
	msgs := h.messages(t)
	last := msgs[len(msgs)-1]
	if last.Sender != models.SenderResponder || last.Body != "What is your name?" {
		t.Errorf("last message = %+v", last)
	}
}

func TestHandleRecording_ZeroContextWaits(t *testing.T) {
	h := newHarness(t, "I'm safe at home.")
	h.seed(t, nil)
	h.stt.text = "Are you safe? Where are you?"

	script := h.orch.HandleRecording(context.Background(), "s1", "https://rec/1", models.CallInProgress)
	if script[0].Text != LineWaiting {
		t.Errorf("script = %+v, want wait branch", script)
	}
	if n := len(h.llm.Requests()); n != 0 {
		t.Errorf("model requests = %d, want 0", n)
	}
	for _, m := range h.messages(t) {
		if m.SourceType == models.SourceAI {
			t.Errorf("fabricated answer persisted: %+v", m)
		}
	}
	if p := h.session(t).ResponderProcessingStatus; p != models.ProcessingIdle {
		t.Errorf("processing = %q, want idle", p)
	}
}

func TestHandleRecording_RefusalWaits(t *testing.T) {
	h := newHarness(t, "User input required.")
	h.seed(t, nil)
	h.addUserMessage(t, "help", time.Now())
	h.stt.text = "What's your name?"

	script := h.orch.HandleRecording(context.Background(), "s1", "https://rec/1", models.CallInProgress)
	if script[0].Text != LineWaiting {
		t.Errorf("script = %+v, want wait branch", script)
	}
	for _, m := range h.messages(t) {
		if strings.Contains(m.Body, "User input required") {
			t.Errorf("refusal persisted: %+v", m)
		}
	}
}

func TestHandleRecording_Answered(t *testing.T) {
	h := newHarness(t, "I'm in the kitchen.")
	h.seed(t, nil)
	h.addUserMessage(t, "I'm in the kitchen", time.Now())
	h.stt.text = "Where are you?"

	script := h.orch.HandleRecording(context.Background(), "s1", "https://rec/1", "")
	if script[0].Text != "I'm in the kitchen." || !script.Has(telephony.StepRecord) {
		t.Fatalf("script = %+v", script)
	}
	msgs := h.messages(t)
	last := msgs[len(msgs)-1]
	if last.SourceType != models.SourceAI || last.Sender != models.SenderUser || last.SentToResponder {
		t.Errorf("answer message = %+v, want unsent user/ai", last)
	}
	sess := h.session(t)
	if sess.CallState != string(StateRecording) || sess.ResponderProcessingStatus != models.ProcessingIdle {
		t.Errorf("state/processing = %q/%q", sess.CallState, sess.ResponderProcessingStatus)
	}
	if h.stt.calls[0] != "https://rec/1" {
		t.Errorf("transcribed %v", h.stt.calls)
	}
}

func TestHandleRecording_TranscriptionFailure(t *testing.T) {
	h := newHarness(t, "x")
	h.seed(t, nil)
	h.stt.err = errors.New("recording not ready after 3 attempts")

	script := h.orch.HandleRecording(context.Background(), "s1", "https://rec/1", models.CallInProgress)
	says := script.Says()
	if len(says) != 2 || says[0] != LineTurnFailed {
		t.Errorf("says = %v", says)
	}
	if n := len(h.messages(t)); n != 0 {
		t.Errorf("messages = %d, want none", n)
	}
	sess := h.session(t)
	if sess.CallState != string(StateWaiting) || sess.ResponderProcessingStatus != models.ProcessingIdle {
		t.Errorf("state/processing = %q/%q", sess.CallState, sess.ResponderProcessingStatus)
	}
}

func TestCheckResponse_FIFO(t *testing.T) {
	h := newHarness(t, "")
	h.seed(t, func(s *models.Session) {
		s.CallState = string(StateWaiting)
		s.EmergencyContacts = "+100"
	})
	base := time.Now()
	h.addUserMessage(t, "I'm in the kitchen", base)
	h.addUserMessage(t, "He's gone now", base.Add(time.Second))
	ctx := context.Background()

	first := h.orch.CheckResponse(ctx, "s1")
	if first[0].Text != "I'm in the kitchen" || !first.Has(telephony.StepRecord) {
		t.Fatalf("first = %+v", first)
	}
	// The turn loops through recording before the next poll.
	h.store.SetCallState(ctx, "s1", string(StateWaiting))
	second := h.orch.CheckResponse(ctx, "s1")
	if second[0].Text != "He's gone now" {
		t.Fatalf("second = %+v", second)
	}
	third := h.orch.CheckResponse(ctx, "s1")
	if third[0].Text != LineNoResponse || !third.Has(telephony.StepRedirect) {
		t.Errorf("third = %+v", third)
	}

	for _, m := range h.messages(t) {
		if !m.SentToResponder {
			t.Errorf("message %q not marked sent", m.Body)
		}
	}
	if got := h.outbox.count(models.KindEscalationContextual); got != 2 {
		t.Errorf("contextual escalations = %d, want 2", got)
	}
}

func TestCheckResponse_ConcurrentPollsSpeakOnce(t *testing.T) {
	h := newHarness(t, "")
	h.seed(t, func(s *models.Session) { s.CallState = string(StateWaiting) })
	h.addUserMessage(t, "I'm in the kitchen", time.Now())

	var wg sync.WaitGroup
	scripts := make([]telephony.Script, 4)
	for i := range scripts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			scripts[i] = h.orch.CheckResponse(context.Background(), "s1")
		}(i)
	}
	wg.Wait()

	spoken := 0
	for _, s := range scripts {
		if s[0].Text == "I'm in the kitchen" {
			spoken++
		}
	}
	if spoken != 1 {
		t.Errorf("message spoken %d times, want 1", spoken)
	}
}

func TestCheckResponse_TimeLimit(t *testing.T) {
	h := newHarness(t, "")
	h.seed(t, func(s *models.Session) {
		s.CallState = string(StateWaiting)
		s.CreatedAt = time.Now().Add(-2 * time.Hour)
	})
	h.addUserMessage(t, "still here", time.Now())

	script := h.orch.CheckResponse(context.Background(), "s1")
	if script[0].Text != LineTimeLimit || !script.Has(telephony.StepHangup) {
		t.Errorf("script = %+v", script)
	}
	if h.messages(t)[0].SentToResponder {
		t.Error("message should stay unsent")
	}
}

func TestUpdateStatus(t *testing.T) {
	h := newHarness(t, "")
	h.seed(t, func(s *models.Session) {
		s.CallStatus = models.CallRinging
		s.CallState = string(StateRinging)
	})
	ctx := context.Background()

	if err := h.orch.UpdateStatus(ctx, "CA-s1", "answered"); err != nil {
		t.Fatalf("UpdateStatus answered: %v", err)
	}
	sess := h.session(t)
	if sess.CallStatus != models.CallInProgress || sess.CallState != string(StateSpeaking) {
		t.Errorf("after answered = %q/%q", sess.CallStatus, sess.CallState)
	}

	if err := h.orch.UpdateStatus(ctx, "CA-s1", "completed"); err != nil {
		t.Fatalf("UpdateStatus completed: %v", err)
	}
	// A late ringing event must not reopen the call.
	if err := h.orch.UpdateStatus(ctx, "CA-s1", "ringing"); err != nil {
		t.Fatalf("UpdateStatus ringing: %v", err)
	}
	sess = h.session(t)
	if sess.CallStatus != models.CallCompleted || sess.CallState != string(StateCompleted) {
		t.Errorf("after completed = %q/%q", sess.CallStatus, sess.CallState)
	}

	if err := h.orch.UpdateStatus(ctx, "CA-s1", "exploded"); err != nil {
		t.Errorf("unknown status err = %v, want nil", err)
	}
	if err := h.orch.UpdateStatus(ctx, "CA-unknown", "ringing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown call err = %v, want ErrNotFound", err)
	}
}

func TestHangup(t *testing.T) {
	h := newHarness(t, "")
	h.seed(t, nil)

	res, err := h.orch.Hangup(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if res.Status != models.CallCompleted || res.AlreadyEnded {
		t.Errorf("result = %+v", res)
	}
	if ended := h.phone.Ended(); len(ended) != 1 || ended[0] != "CA-s1" {
		t.Errorf("ended = %v", ended)
	}
	sess := h.session(t)
	if sess.CallStatus != models.CallCompleted || sess.CallState != string(StateCompleted) {
		t.Errorf("status/state = %q/%q", sess.CallStatus, sess.CallState)
	}
	msgs := h.messages(t)
	if len(msgs) != 1 || msgs[0].Body != "Emergency call ended by user" || msgs[0].Sender != models.SenderSystem {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestHangup_CompletedIsNoop(t *testing.T) {
	h := newHarness(t, "")
	h.seed(t, func(s *models.Session) { s.CallStatus = models.CallCompleted })

	res, err := h.orch.Hangup(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if !res.AlreadyEnded || res.Status != models.CallCompleted {
		t.Errorf("result = %+v", res)
	}
	if n := len(h.phone.Ended()); n != 0 {
		t.Errorf("EndCall invoked %d times, want 0", n)
	}
	if n := len(h.messages(t)); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
}

func TestHangup_Errors(t *testing.T) {
	h := newHarness(t, "")
	if _, err := h.orch.Hangup(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing session err = %v, want ErrNotFound", err)
	}

	h.seed(t, func(s *models.Session) { s.CallSID = nil })
	if _, err := h.orch.Hangup(context.Background(), "s1"); !errors.Is(err, ErrNoActiveCall) {
		t.Errorf("no call err = %v, want ErrNoActiveCall", err)
	}
}

func TestHangup_ProviderError(t *testing.T) {
	h := newHarness(t, "")
	h.seed(t, nil)
	h.phone.EndErr = errors.New("provider down")

	if _, err := h.orch.Hangup(context.Background(), "s1"); err == nil {
		t.Fatal("expected error")
	}
	if st := h.session(t).CallStatus; st != models.CallInProgress {
		t.Errorf("CallStatus = %q, want unchanged", st)
	}
}

func TestReapStale(t *testing.T) {
	h := newHarness(t, "")
	h.seed(t, func(s *models.Session) { s.CreatedAt = time.Now().Add(-time.Hour) })

	n, err := h.orch.ReapStale(context.Background())
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if n != 1 {
		t.Errorf("reaped = %d, want 1", n)
	}
	if ended := h.phone.Ended(); len(ended) != 1 {
		t.Errorf("ended = %v", ended)
	}
	if st := h.session(t).CallStatus; st != models.CallCompleted {
		t.Errorf("CallStatus = %q, want completed", st)
	}

	n, err = h.orch.ReapStale(context.Background())
	if err != nil || n != 0 {
		t.Errorf("second reap = %d, %v; want 0, nil", n, err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Error("expected error without store")
	}
}
