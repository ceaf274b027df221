package models

import "time"

// Message senders.
const (
	SenderUser      = "user"
	SenderResponder = "responder"
	SenderSystem    = "system"
)

// Message source types. SourceAI marks text the model wrote on the victim's
// behalf; SourceUser is only ever text the victim typed.
const (
	SourceUser      = "user"
	SourceAI        = "ai"
	SourceResponder = "responder"
	SourceSystem    = "system"
)

// Message is one append-only entry in a session's timeline. Only
// SentToResponder ever changes after insert, and only from false to true.
type Message struct {
	ID              uint      `gorm:"primaryKey;autoIncrement"`
	SessionID       string    `gorm:"size:128;not null;index:idx_sos_messages_session"`
	Sender          string    `gorm:"size:16;not null"`
	SourceType      string    `gorm:"size:16;not null"`
	Body            string    `gorm:"type:text;column:message"`
	SentToResponder bool      `gorm:"default:false;index"`
	CreatedAt       time.Time `gorm:"index:idx_sos_messages_session"`
}

// TableName pins the table name shared with the live view.
func (Message) TableName() string { return "sos_messages" }
