package models

import (
	"strings"
	"time"
)

// Call statuses as last reported by the telephony provider, normalized.
const (
	CallQueued     = "queued"
	CallRinging    = "ringing"
	CallInProgress = "in-progress"
	CallCompleted  = "completed"
	CallFailed     = "failed"
)

// Responder processing flags shown to the victim while a turn runs.
const (
	ProcessingIdle       = "idle"
	ProcessingAudio      = "processing_audio"
	ProcessingGenerating = "generating_response"
)

// Session is one emergency incident: the facts the victim submitted, the
// outbound call placed on their behalf, and the live turn state of that call.
type Session struct {
	ID                string `gorm:"primaryKey;size:128;column:session_id"`
	Situation         string `gorm:"type:text"`
	Location          string `gorm:"type:text"`
	NumberOfThreats   int    `gorm:"default:0"`
	LocationLat       *float64
	LocationLong      *float64
	CallNumber        string  `gorm:"size:32;not null"`
	EmergencyContacts string  `gorm:"size:256"` // semicolon-joined
	CallSID           *string `gorm:"size:64;uniqueIndex;column:call_sid"`
	CallStatus        string  `gorm:"size:16;default:queued;index"`
	CallState         string  `gorm:"size:24;default:created"`

	ResponderProcessingStatus string `gorm:"size:24;default:idle"`
	AIGuideEnabled            bool   `gorm:"column:ai_guide_enabled"`
	FinalSMSSent              bool   `gorm:"default:false;column:final_sms_sent"`

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// TableName pins the table name shared with the live view.
func (Session) TableName() string { return "sos_sessions" }

// Terminal reports whether the call has ended.
func (s *Session) Terminal() bool {
	return s.CallStatus == CallCompleted || s.CallStatus == CallFailed
}

// HasContacts reports whether any non-blank emergency contact is on file.
func (s *Session) HasContacts() bool {
	return len(SplitContacts(s.EmergencyContacts)) > 0
}

// JoinContacts builds the stored contact list from the submitted fields,
// keeping order and dropping blanks.
func JoinContacts(contacts ...string) string {
	var kept []string
	for _, c := range contacts {
		if c = strings.TrimSpace(c); c != "" {
			kept = append(kept, c)
		}
	}
	return strings.Join(kept, ";")
}

// SplitContacts parses a stored contact list separated by ";" or ",".
func SplitContacts(s string) []string {
	var out []string
	for _, c := range strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' }) {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
