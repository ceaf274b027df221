// Package outbox queues side effects requested during a call and delivers
// them outside the request that asked for them.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/whisprnet/internal/models"
	"gorm.io/gorm"
)

// Outbox writes events to the sos_outbox table.
type Outbox struct {
	db  *gorm.DB
	now func() time.Time
}

// New creates an Outbox over db.
func New(db *gorm.DB) *Outbox {
	return &Outbox{db: db, now: time.Now}
}

// Enqueue queues kind for sessionID. It reports false without writing when
// an equivalent event is already queued: an immediate alert is queued once
// per session ever, other kinds once while one is pending. An in-flight run
// does not count, since it may have read the session before the change that
// triggered this call.
func (o *Outbox) Enqueue(ctx context.Context, kind, sessionID string) (bool, error) {
	if kind == "" || sessionID == "" {
		return false, fmt.Errorf("outbox: kind and session id are required")
	}
	q := o.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("kind = ? AND session_id = ?", kind, sessionID)
	if kind != models.KindEscalationImmediate {
		q = q.Where("status = ?", models.OutboxPending)
	}
	var existing int64
	if err := q.Count(&existing).Error; err != nil {
		return false, fmt.Errorf("outbox: enqueue %s: %w", kind, err)
	}
	if existing > 0 {
		return false, nil
	}

	now := o.now()
	ev := models.OutboxEvent{
		ID:            uuid.New().String(),
		Kind:          kind,
		SessionID:     sessionID,
		Status:        models.OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := o.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return false, fmt.Errorf("outbox: enqueue %s: %w", kind, err)
	}
	return true, nil
}

// Events lists a session's outbox events, oldest first.
func (o *Outbox) Events(ctx context.Context, sessionID string) ([]models.OutboxEvent, error) {
	var events []models.OutboxEvent
	err := o.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("created_at ASC").Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("outbox: events %s: %w", sessionID, err)
	}
	return events, nil
}
