// Package store is the typed accessor for sessions and messages. Every
// write publishes a row-change event so live observers can refresh.
package store

import (
	"errors"

	"github.com/zulandar/whisprnet/internal/feed"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a session or message row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadySent is returned by MarkSent when the message was already spoken.
	ErrAlreadySent = errors.New("store: message already sent")
	// ErrLatchHeld is returned by ClaimFinalSMS when the contextual alert was already claimed.
	ErrLatchHeld = errors.New("store: final sms already claimed")
)

var terminalStatuses = []string{"completed", "failed"}

// Store wraps the database handle and the change publisher.
type Store struct {
	db  *gorm.DB
	pub feed.Publisher
}

// New creates a Store. A nil publisher disables change events.
func New(db *gorm.DB, pub feed.Publisher) *Store {
	return &Store{db: db, pub: pub}
}

// DB returns the underlying handle for packages that share the database.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) publish(ev feed.Event) {
	if s.pub != nil {
		s.pub.Publish(ev)
	}
}

func (s *Store) sessionChanged(id string) {
	s.publish(feed.Event{Table: feed.TableSessions, Op: feed.OpUpdate, SessionID: id})
}
