package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/zulandar/whisprnet/internal/escalation"
	"github.com/zulandar/whisprnet/internal/logging"
	"github.com/zulandar/whisprnet/internal/metrics"
	"github.com/zulandar/whisprnet/internal/models"
	"gorm.io/gorm"
)

const (
	// baseBackoff is the delay before the first retry.
	baseBackoff = 5 * time.Second
	// maxBackoff caps the exponential retry delay.
	maxBackoff = 5 * time.Minute
	// stuckAfter is how long an in-flight event may go untouched before it
	// is handed back to the queue.
	stuckAfter = 5 * time.Minute
)

// HandlerFunc runs one event for a session.
type HandlerFunc func(ctx context.Context, sessionID string) (*escalation.Result, error)

// Dispatcher drains pending outbox events.
type Dispatcher struct {
	db          *gorm.DB
	handlers    map[string]HandlerFunc
	maxAttempts int
	batchSize   int
	log         *logging.Logger
	metrics     *metrics.Collector
	now         func() time.Time
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	DB          *gorm.DB
	Handlers    map[string]HandlerFunc
	MaxAttempts int // default 5
	BatchSize   int // default 20
	Log         *logging.Logger
	Metrics     *metrics.Collector
	Now         func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("outbox: db is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		db:          opts.DB,
		handlers:    opts.Handlers,
		maxAttempts: opts.MaxAttempts,
		batchSize:   opts.BatchSize,
		log:         opts.Log,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}, nil
}

// EscalationHandlers binds both escalation stages to their event kinds.
func EscalationHandlers(e *escalation.Engine) map[string]HandlerFunc {
	return map[string]HandlerFunc{
		models.KindEscalationImmediate:  e.Immediate,
		models.KindEscalationContextual: e.Contextual,
	}
}

// Backoff returns the delay before retry number attempt (1-based).
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		return maxBackoff
	}
	d := time.Duration(float64(baseBackoff) * math.Pow(2, float64(attempt-1)))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Drain runs every due event once and returns how many it ran.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	now := d.now()
	if err := d.requeueStuck(ctx, now); err != nil {
		return 0, err
	}

	var due []models.OutboxEvent
	err := d.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", models.OutboxPending, now).
		Order("created_at ASC").
		Limit(d.batchSize).
		Find(&due).Error
	if err != nil {
		return 0, fmt.Errorf("outbox: load due events: %w", err)
	}

	ran := 0
	for i := range due {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		ev := &due[i]
		claimed, err := d.claim(ctx, ev)
		if err != nil {
			return ran, err
		}
		if !claimed {
			continue
		}
		d.run(ctx, ev)
		ran++
	}
	return ran, nil
}

// claim moves an event from pending to in_flight. Only one dispatcher wins.
func (d *Dispatcher) claim(ctx context.Context, ev *models.OutboxEvent) (bool, error) {
	result := d.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", ev.ID, models.OutboxPending).
		Updates(map[string]interface{}{
			"status":     models.OutboxInFlight,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": d.now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("outbox: claim %s: %w", ev.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	ev.Attempts++
	ev.Status = models.OutboxInFlight
	return true, nil
}

func (d *Dispatcher) run(ctx context.Context, ev *models.OutboxEvent) {
	log := d.log.With("event_id", ev.ID)
	handler, ok := d.handlers[ev.Kind]
	if !ok {
		d.finish(ctx, ev, models.OutboxDeadLetter, "", "no handler for "+ev.Kind)
		log.Error().Str("kind", ev.Kind).Msg("outbox event has no handler")
		return
	}

	res, err := handler(ctx, ev.SessionID)
	if err != nil {
		if ev.Attempts >= d.maxAttempts {
			d.finish(ctx, ev, models.OutboxDeadLetter, "", err.Error())
			log.Error().Err(err).Str("kind", ev.Kind).Int("attempts", ev.Attempts).Msg("outbox event dead-lettered")
			return
		}
		d.retry(ctx, ev, err)
		log.Warn().Err(err).Str("kind", ev.Kind).Int("attempts", ev.Attempts).Msg("outbox event will retry")
		return
	}

	if res == nil {
		res = &escalation.Result{Status: escalation.StatusSent}
	}
	status := models.OutboxDelivered
	switch res.Status {
	case escalation.StatusSkipped:
		status = models.OutboxSkipped
	case escalation.StatusFailed:
		status = models.OutboxDeadLetter
	}
	payload, _ := json.Marshal(res)
	d.finish(ctx, ev, status, string(payload), res.Reason)
	log.Info().Str("kind", ev.Kind).Str("session_id", ev.SessionID).Str("status", status).Msg("outbox event done")
}

func (d *Dispatcher) finish(ctx context.Context, ev *models.OutboxEvent, status, result, lastError string) {
	err := d.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", ev.ID).
		Updates(map[string]interface{}{
			"status":     status,
			"result":     result,
			"last_error": lastError,
			"updated_at": d.now(),
		}).Error
	if err != nil {
		d.log.Error().Err(err).Str("event_id", ev.ID).Msg("record outbox outcome")
	}
	d.metrics.Outbox(ev.Kind, status)
}

func (d *Dispatcher) retry(ctx context.Context, ev *models.OutboxEvent, cause error) {
	now := d.now()
	err := d.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", ev.ID).
		Updates(map[string]interface{}{
			"status":          models.OutboxPending,
			"last_error":      cause.Error(),
			"next_attempt_at": now.Add(Backoff(ev.Attempts)),
			"updated_at":      now,
		}).Error
	if err != nil {
		d.log.Error().Err(err).Str("event_id", ev.ID).Msg("schedule outbox retry")
	}
	d.metrics.Outbox(ev.Kind, "retry")
}

// requeueStuck hands back events whose dispatcher died mid-run.
func (d *Dispatcher) requeueStuck(ctx context.Context, now time.Time) error {
	result := d.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("status = ? AND updated_at < ?", models.OutboxInFlight, now.Add(-stuckAfter)).
		Updates(map[string]interface{}{"status": models.OutboxPending, "updated_at": now})
	if result.Error != nil {
		return fmt.Errorf("outbox: requeue stuck: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		d.log.Warn().Int64("count", result.RowsAffected).Msg("requeued stuck outbox events")
	}
	return nil
}
