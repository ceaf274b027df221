package escalation

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
	"github.com/zulandar/whisprnet/internal/notify"
	"github.com/zulandar/whisprnet/internal/store"
	"github.com/zulandar/whisprnet/internal/telephony"
)

const validVerdict = `{"valid": "Yes", "reason": "name, threat and location present", "summary": "Ana reports an intruder at 12 Elm St."}`

type testEnv struct {
	engine *Engine
	store  *store.Store
	phone  *telephony.MockClient
	llm    *completion.MockProvider
	ops    *notify.MockNotifier
}

func newEnv(t *testing.T, judgeOutput string) *testEnv {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("db.Connect: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	cfg := &config.Config{AppURL: "https://app.example.org"}
	env := &testEnv{
		store: store.New(gdb, nil),
		phone: telephony.NewMockClient(),
		llm:   completion.NewMockProvider(judgeOutput),
		ops:   notify.NewMockNotifier("slack"),
	}
	env.engine, err = New(Opts{
		Store:    env.store,
		SMS:      env.phone,
		Judge:    completion.NewService(env.llm, nil, nil),
		Mirror:   notify.NewMirror(nil, env.ops),
		LiveView: cfg.LiveViewURL,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return env
}

func (env *testEnv) seed(t *testing.T, contacts string, messages ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := env.store.CreateSession(ctx, &models.Session{
		ID:                "s1",
		Situation:         "Someone is breaking in",
		Location:          "12 Elm St",
		NumberOfThreats:   2,
		CallNumber:        "+15550001111",
		EmergencyContacts: contacts,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	base := time.Now()
	for i, body := range messages {
		err := env.store.AppendMessage(ctx, &models.Message{
			SessionID: "s1", Sender: models.SenderUser, SourceType: models.SourceUser,
			Body: body, CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
}

func TestImmediate_SingleContact(t *testing.T) {
	env := newEnv(t, "")
	env.seed(t, models.JoinContacts("+100", ""))

	res, err := env.engine.Immediate(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Immediate: %v", err)
	}
	if res.Status != StatusSent || len(res.SentTo) != 1 || res.SentTo[0] != "+100" {
		t.Errorf("result = %+v", res)
	}
	sms := env.phone.SMS()
	if len(sms) != 1 || sms[0].To != "+100" {
		t.Fatalf("sms = %+v, want exactly one to +100", sms)
	}
	for _, want := range []string{
		"🚨 Emergency Alert 🚨",
		"Location: 12 Elm St",
		"Threats reported: 2",
		"Situation reported: Someone is breaking in",
		"See the Live Chat here - https://app.example.org?session=s1",
	} {
		if !strings.Contains(sms[0].Body, want) {
			t.Errorf("body missing %q:\n%s", want, sms[0].Body)
		}
	}
	if alerts := env.ops.Alerts(); len(alerts) != 1 || alerts[0].Title != "SOS triggered" {
		t.Errorf("ops alerts = %+v", alerts)
	}
}

func TestImmediate_NoContacts(t *testing.T) {
	env := newEnv(t, "")
	env.seed(t, "")

	res, err := env.engine.Immediate(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Immediate: %v", err)
	}
	if res.Status != StatusSkipped {
		t.Errorf("Status = %q, want skipped", res.Status)
	}
	if n := len(env.phone.SMS()); n != 0 {
		t.Errorf("sms = %d, want 0", n)
	}
	if n := len(env.ops.Alerts()); n != 0 {
		t.Errorf("ops alerts = %d, want 0", n)
	}
}

func TestImmediate_PartialAndTotalFailure(t *testing.T) {
	env := newEnv(t, "")
	env.seed(t, "+100,+200")
	env.phone.SMSErrTo["+100"] = errors.New("unreachable")

	res, err := env.engine.Immediate(context.Background(), "s1")
	if err != nil {
		t.Fatalf("partial failure should not error: %v", err)
	}
	if len(res.SentTo) != 1 || res.SentTo[0] != "+200" {
		t.Errorf("SentTo = %v, want [+200]", res.SentTo)
	}

	env.phone.SMSErrTo["+200"] = errors.New("unreachable")
	if _, err := env.engine.Immediate(context.Background(), "s1"); err == nil {
		t.Error("expected error when no contact is reachable")
	}
}

func TestImmediate_UnknownSession(t *testing.T) {
	env := newEnv(t, "")
	if _, err := env.engine.Immediate(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestContextual_Sends(t *testing.T) {
	env := newEnv(t, validVerdict)
	env.seed(t, "+100;+200", "My name is Ana", "There's an intruder", "I'm at 12 Elm St")

	res, err := env.engine.Contextual(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Contextual: %v", err)
	}
	if res.Status != StatusSent || res.Summary != "Ana reports an intruder at 12 Elm St." {
		t.Errorf("result = %+v", res)
	}
	if len(res.SentTo) != 2 {
		t.Errorf("SentTo = %v", res.SentTo)
	}
	want := "Ana reports an intruder at 12 Elm St.\n\nView live chat: https://app.example.org?session=s1"
	for _, sms := range env.phone.SMS() {
		if sms.Body != want {
			t.Errorf("body = %q, want %q", sms.Body, want)
		}
	}
	sess, _ := env.store.GetSession(context.Background(), "s1")
	if !sess.FinalSMSSent {
		t.Error("latch should be set")
	}
	prompt := env.llm.Requests()[0].Prompt
	if !strings.Contains(prompt, "My name is Ana\nThere's an intruder\nI'm at 12 Elm St") {
		t.Errorf("prompt missing transcript:\n%s", prompt)
	}

	again, err := env.engine.Contextual(context.Background(), "s1")
	if err != nil {
		t.Fatalf("second Contextual: %v", err)
	}
	if again.Status != StatusSkipped {
		t.Errorf("second Status = %q, want skipped", again.Status)
	}
	if n := len(env.phone.SMS()); n != 2 {
		t.Errorf("sms = %d, want 2", n)
	}
	if n := len(env.llm.Requests()); n != 1 {
		t.Errorf("judge calls = %d, want 1", n)
	}
}

func TestContextual_NegativeVerdictSkips(t *testing.T) {
	for name, output := range map[string]string{
		"no":          `{"valid": "No", "reason": "no name", "summary": "intruder"}`,
		"unparseable": "I think they are Ana",
	} {
		t.Run(name, func(t *testing.T) {
			env := newEnv(t, output)
			env.seed(t, "+100", "There's an intruder")

			res, err := env.engine.Contextual(context.Background(), "s1")
			if err != nil {
				t.Fatalf("Contextual: %v", err)
			}
			if res.Status != StatusSkipped {
				t.Errorf("Status = %q, want skipped", res.Status)
			}
			if n := len(env.phone.SMS()); n != 0 {
				t.Errorf("sms = %d, want 0", n)
			}
			sess, _ := env.store.GetSession(context.Background(), "s1")
			if sess.FinalSMSSent {
				t.Error("latch must stay clear")
			}
		})
	}
}

func TestContextual_JudgeErrorIsRetryable(t *testing.T) {
	env := newEnv(t, "")
	env.llm.Respond = func(completion.Request) (string, error) { return "", errors.New("503") }
	env.seed(t, "+100", "hello")

	if _, err := env.engine.Contextual(context.Background(), "s1"); err == nil {
		t.Fatal("expected error")
	}
	sess, _ := env.store.GetSession(context.Background(), "s1")
	if sess.FinalSMSSent {
		t.Error("latch must stay clear after a judge error")
	}
}

func TestContextual_NoContactsOrMessages(t *testing.T) {
	env := newEnv(t, validVerdict)
	env.seed(t, " ; ")
	res, err := env.engine.Contextual(context.Background(), "s1")
	if err != nil || res.Status != StatusSkipped {
		t.Errorf("no contacts: %+v, %v", res, err)
	}

	env2 := newEnv(t, validVerdict)
	env2.seed(t, "+100")
	res, err = env2.engine.Contextual(context.Background(), "s1")
	if err != nil || res.Status != StatusSkipped || res.Reason != "no messages" {
		t.Errorf("no messages: %+v, %v", res, err)
	}
	if n := len(env.llm.Requests()) + len(env2.llm.Requests()); n != 0 {
		t.Errorf("judge calls = %d, want 0", n)
	}
}

func TestContextual_AllSendsFail(t *testing.T) {
	env := newEnv(t, validVerdict)
	env.seed(t, "+100", "hello")
	env.phone.SMSErrTo["+100"] = errors.New("unreachable")

	res, err := env.engine.Contextual(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Contextual: %v", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", res.Status)
	}
}

func TestContextual_ConcurrentSendsOnce(t *testing.T) {
	env := newEnv(t, validVerdict)
	env.seed(t, "+100", "My name is Ana, intruder at 12 Elm St")

	const runs = 4
	results := make([]*Result, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.engine.Contextual(context.Background(), "s1")
			if err != nil {
				t.Errorf("Contextual: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	sent := 0
	for _, r := range results {
		if r != nil && r.Status == StatusSent {
			sent++
		}
	}
	if sent != 1 {
		t.Errorf("sent results = %d, want 1", sent)
	}
	if n := len(env.phone.SMS()); n != 1 {
		t.Errorf("sms = %d, want exactly 1", n)
	}
}

func TestImmediateMessage_Defaults(t *testing.T) {
	body := ImmediateMessage(&models.Session{}, "https://x")
	if !strings.Contains(body, "Location: Unknown") || !strings.Contains(body, "Situation reported: N/A") {
		t.Errorf("body = %s", body)
	}
	if !strings.Contains(body, "Threats reported: 0") {
		t.Errorf("body = %s", body)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Error("expected error")
	}
}
