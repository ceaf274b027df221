// Package scheduler runs the periodic background jobs: the outbox drain and
// the stale call reaper.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/whisprnet/internal/logging"
)

// specParser accepts 5-field cron expressions and @every descriptors.
var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is one periodic task. Run returns how many items it handled.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int, error)
}

// Scheduler owns a cron runner and the context its jobs run under.
type Scheduler struct {
	cron *cron.Cron
	log  *logging.Logger
	ids  map[string]cron.EntryID

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates every job spec and registers the jobs. Overlapping runs of
// the same job are skipped.
func New(log *logging.Logger, jobs ...Job) (*Scheduler, error) {
	if log == nil {
		log = logging.Nop()
	}
	s := &Scheduler{log: log, ids: make(map[string]cron.EntryID)}
	s.cron = cron.New(
		cron.WithParser(specParser),
		cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})),
		cron.WithLogger(cronLogger{log}),
	)
	for _, j := range jobs {
		if j.Name == "" || j.Run == nil {
			return nil, fmt.Errorf("scheduler: job needs a name and a run func")
		}
		sched, err := specParser.Parse(j.Spec)
		if err != nil {
			return nil, fmt.Errorf("scheduler: job %s: parse %q: %w", j.Name, j.Spec, err)
		}
		s.ids[j.Name] = s.cron.Schedule(sched, s.wrap(j))
	}
	return s, nil
}

func (s *Scheduler) wrap(j Job) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		start := time.Now()
		n, err := j.Run(ctx)
		if err != nil {
			s.log.Error().Err(err).Str("job", j.Name).Msg("scheduled job failed")
			return
		}
		if n > 0 {
			s.log.Debug().Str("job", j.Name).Int("handled", n).Dur("took", time.Since(start)).Msg("scheduled job ran")
		}
	})
}

// Start launches the jobs. Cancelling ctx stops handing new work to them.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ctx = runCtx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop halts the runner and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	if cancel != nil {
		cancel()
	}
}

// Next reports the next fire time of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	id, ok := s.ids[name]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// cronLogger routes cron's own messages into zerolog.
type cronLogger struct {
	log *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Leveled(l.log).Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.Leveled(l.log.With("error", err.Error())).Error("cron: "+msg, keysAndValues...)
}
