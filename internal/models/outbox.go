package models

import "time"

// Outbox event kinds.
const (
	KindEscalationImmediate  = "escalation.immediate"
	KindEscalationContextual = "escalation.contextual"
)

// Outbox event statuses.
const (
	OutboxPending    = "pending"
	OutboxInFlight   = "in_flight"
	OutboxDelivered  = "delivered"
	OutboxSkipped    = "skipped"
	OutboxDeadLetter = "dead_letter"
)

// OutboxEvent is a side effect the call flow asked for but does not perform
// inline. The dispatcher claims, runs and retries it.
type OutboxEvent struct {
	ID            string    `gorm:"primaryKey;size:36"`
	Kind          string    `gorm:"size:32;not null;index:idx_sos_outbox_kind_session"`
	SessionID     string    `gorm:"size:128;not null;index:idx_sos_outbox_kind_session"`
	Status        string    `gorm:"size:16;default:pending;index"`
	Attempts      int       `gorm:"default:0"`
	LastError     string    `gorm:"type:text"`
	Result        string    `gorm:"type:text"` // JSON outcome of the last run
	NextAttemptAt time.Time `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName pins the outbox table name.
func (OutboxEvent) TableName() string { return "sos_outbox" }
