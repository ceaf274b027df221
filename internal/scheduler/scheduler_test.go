package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/whisprnet/internal/logging"
)

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) run(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return 1, nil
}

func (c *counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestNew_RejectsBadSpec(t *testing.T) {
	_, err := New(nil, Job{Name: "drain", Spec: "every five seconds", Run: (&counter{}).run})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain")
}

func TestNew_RequiresNameAndRun(t *testing.T) {
	_, err := New(nil, Job{Spec: "@every 5s", Run: (&counter{}).run})
	assert.Error(t, err)
	_, err = New(nil, Job{Name: "drain", Spec: "@every 5s"})
	assert.Error(t, err)
}

func TestNew_AcceptsCronAndDescriptors(t *testing.T) {
	s, err := New(nil,
		Job{Name: "drain", Spec: "@every 5s", Run: (&counter{}).run},
		Job{Name: "reap", Spec: "*/5 * * * *", Run: (&counter{}).run},
	)
	require.NoError(t, err)
	_, ok := s.Next("drain")
	assert.True(t, ok)
	_, ok = s.Next("missing")
	assert.False(t, ok)
}

func TestStart_RunsJobs(t *testing.T) {
	c := &counter{}
	s, err := New(nil, Job{Name: "drain", Spec: "@every 1s", Run: c.run})
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return c.get() >= 1 }, 3*time.Second, 50*time.Millisecond)
	next, _ := s.Next("drain")
	assert.False(t, next.IsZero())
}

func TestStart_JobErrorIsLogged(t *testing.T) {
	var buf safeBuffer
	fail := func(ctx context.Context) (int, error) { return 0, errors.New("db gone") }
	s, err := New(logging.New(&buf, "debug"), Job{Name: "reap", Spec: "@every 1s", Run: fail})
	require.NoError(t, err)

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return bytes.Contains(buf.Bytes(), []byte("db gone")) }, 3*time.Second, 50*time.Millisecond)
	s.Stop()
	assert.Contains(t, buf.String(), `"job":"reap"`)
}

func TestStop_CancelsJobContext(t *testing.T) {
	seen := make(chan context.Context, 1)
	job := func(ctx context.Context) (int, error) {
		select {
		case seen <- ctx:
		default:
		}
		return 0, nil
	}
	s, err := New(nil, Job{Name: "drain", Spec: "@every 1s", Run: job})
	require.NoError(t, err)
	s.Start(context.Background())

	var ctx context.Context
	select {
	case ctx = <-seen:
	case <-time.After(3 * time.Second):
		t.Fatal("job never ran")
	}
	s.Stop()
	assert.Error(t, ctx.Err())
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *safeBuffer) String() string { return string(b.Bytes()) }
