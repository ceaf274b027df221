package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/whisprnet/internal/feed"
	"github.com/zulandar/whisprnet/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateSession inserts the session row unless one already exists for its
// ID. It reports whether this call created the row; only the creator goes
// on to place the call.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) (bool, error) {
	if sess.ID == "" {
		return false, fmt.Errorf("store: session id is required")
	}
	if sess.CallStatus == "" {
		sess.CallStatus = models.CallQueued
	}
	if sess.ResponderProcessingStatus == "" {
		sess.ResponderProcessingStatus = models.ProcessingIdle
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(sess)
	if result.Error != nil {
		return false, fmt.Errorf("store: create session %s: %w", sess.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	s.publish(feed.Event{Table: feed.TableSessions, Op: feed.OpInsert, SessionID: sess.ID})
	return true, nil
}

// GetSession loads a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	err := s.db.WithContext(ctx).Where("session_id = ?", id).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session %s: %w", id, err)
	}
	return &sess, nil
}

// GetSessionByCallSID loads the session linked to a provider call.
func (s *Store) GetSessionByCallSID(ctx context.Context, callSID string) (*models.Session, error) {
	var sess models.Session
	err := s.db.WithContext(ctx).Where("call_sid = ?", callSID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: call %s: %w", callSID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session by call %s: %w", callSID, err)
	}
	return &sess, nil
}

// SetCallSID links the placed call to the session and records its initial status.
func (s *Store) SetCallSID(ctx context.Context, id, callSID, status string) error {
	result := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("session_id = ?", id).
		Updates(map[string]interface{}{"call_sid": callSID, "call_status": status})
	if result.Error != nil {
		return fmt.Errorf("store: set call sid %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: set call sid %s: %w", id, ErrNotFound)
	}
	s.sessionChanged(id)
	return nil
}

// SetCallStatus records the provider-reported status. A completed or failed
// call never leaves that status; the return reports whether the row changed.
func (s *Store) SetCallStatus(ctx context.Context, id, status string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("session_id = ? AND call_status NOT IN ?", id, terminalStatuses).
		Update("call_status", status)
	if result.Error != nil {
		return false, fmt.Errorf("store: set call status %s: %w", id, result.Error)
	}
	if result.RowsAffected > 0 {
		s.sessionChanged(id)
	}
	return result.RowsAffected > 0, nil
}

// SetCallState persists the call flow state. Terminal states are sticky.
func (s *Store) SetCallState(ctx context.Context, id, state string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("session_id = ? AND call_state NOT IN ?", id, terminalStatuses).
		Update("call_state", state)
	if result.Error != nil {
		return false, fmt.Errorf("store: set call state %s: %w", id, result.Error)
	}
	if result.RowsAffected > 0 {
		s.sessionChanged(id)
	}
	return result.RowsAffected > 0, nil
}

// SetProcessingStatus updates the responder processing flag shown to the victim.
func (s *Store) SetProcessingStatus(ctx context.Context, id, status string) error {
	result := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("session_id = ?", id).
		Update("responder_processing_status", status)
	if result.Error != nil {
		return fmt.Errorf("store: set processing status %s: %w", id, result.Error)
	}
	s.sessionChanged(id)
	return nil
}

// SetAIGuide turns impersonation on or off for a session.
func (s *Store) SetAIGuide(ctx context.Context, id string, enabled bool) error {
	result := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("session_id = ?", id).
		Update("ai_guide_enabled", enabled)
	if result.Error != nil {
		return fmt.Errorf("store: set ai guide %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		// MySQL reports zero rows when the value is unchanged.
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
	}
	s.sessionChanged(id)
	return nil
}

// ClaimFinalSMS sets the contextual alert latch. Exactly one caller per
// session succeeds; the rest get ErrLatchHeld.
func (s *Store) ClaimFinalSMS(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("session_id = ? AND final_sms_sent = ?", id, false).
		Update("final_sms_sent", true)
	if result.Error != nil {
		return fmt.Errorf("store: claim final sms %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrLatchHeld
	}
	s.sessionChanged(id)
	return nil
}

// StaleCalls returns live calls created before cutoff.
func (s *Store) StaleCalls(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.WithContext(ctx).
		Where("call_sid IS NOT NULL AND call_status NOT IN ? AND created_at < ?", terminalStatuses, cutoff).
		Order("created_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("store: stale calls: %w", err)
	}
	return sessions, nil
}
