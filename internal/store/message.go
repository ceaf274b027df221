package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/whisprnet/internal/feed"
	"github.com/zulandar/whisprnet/internal/models"
	"gorm.io/gorm"
)

// AppendMessage inserts a message into a session's timeline.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.SessionID == "" {
		return fmt.Errorf("store: message session id is required")
	}
	if msg.Sender == "" || msg.SourceType == "" {
		return fmt.Errorf("store: message sender and source type are required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("store: append message %s: %w", msg.SessionID, err)
	}
	s.publish(feed.Event{Table: feed.TableMessages, Op: feed.OpInsert, SessionID: msg.SessionID, MessageID: msg.ID})
	return nil
}

// GetMessage loads one message by ID.
func (s *Store) GetMessage(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).First(&msg, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message %d: %w", id, err)
	}
	return &msg, nil
}

// Messages returns a session's full timeline in order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("store: messages %s: %w", sessionID, err)
	}
	return msgs, nil
}

// UserMessages returns the messages spoken as the victim: their own text
// and accepted impersonations.
func (s *Store) UserMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.WithContext(ctx).Where("session_id = ? AND sender = ?", sessionID, models.SenderUser).
		Order("created_at ASC, id ASC").Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("store: user messages %s: %w", sessionID, err)
	}
	return msgs, nil
}

// OldestUnsentUserMessage returns the earliest victim-typed message not yet
// spoken into the call, or ErrNotFound.
func (s *Store) OldestUnsentUserMessage(ctx context.Context, sessionID string) (*models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND source_type = ? AND sent_to_responder = ?", sessionID, models.SourceUser, false).
		Order("created_at ASC, id ASC").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: oldest unsent %s: %w", sessionID, err)
	}
	return &msg, nil
}

// MarkSent flips sent_to_responder from false to true. Only one caller wins;
// later callers get ErrAlreadySent.
func (s *Store) MarkSent(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND sent_to_responder = ?", id, false).
		Update("sent_to_responder", true)
	if result.Error != nil {
		return fmt.Errorf("store: mark sent %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAlreadySent
	}
	if m, err := s.GetMessage(ctx, id); err == nil {
		s.publish(feed.Event{Table: feed.TableMessages, Op: feed.OpUpdate, SessionID: m.SessionID, MessageID: id})
	}
	return nil
}
