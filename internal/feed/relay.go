package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zulandar/whisprnet/internal/logging"
)

// Listener abstracts PostgreSQL LISTEN/NOTIFY for testability.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (payload string, err error)
	Close(ctx context.Context) error
}

// Notifier sends a NOTIFY payload on a channel.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// Relay publishes events through PostgreSQL so every server process sharing
// the database sees them. Events arrive back through LISTEN and are handed
// to the local broker, including the ones this process sent.
type Relay struct {
	channel  string
	local    *Broker
	listener Listener
	notifier Notifier
	log      *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// RelayOpts configures a Relay.
type RelayOpts struct {
	Channel  string
	Local    *Broker
	Listener Listener
	Notifier Notifier
	Log      *logging.Logger
}

// NewRelay creates a relay. Call Start to begin listening.
func NewRelay(opts RelayOpts) *Relay {
	log := opts.Log
	if log == nil {
		log = logging.Nop()
	}
	return &Relay{
		channel:  opts.Channel,
		local:    opts.Local,
		listener: opts.Listener,
		notifier: opts.Notifier,
		log:      log,
	}
}

// Start issues LISTEN and runs the receive loop until ctx is cancelled or Stop is called.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.listener.Listen(ctx, r.channel); err != nil {
		return fmt.Errorf("feed: listen on %q: %w", r.channel, err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.listenLoop(loopCtx)
	r.log.Info().Str("channel", r.channel).Msg("relay listening")
	return nil
}

// Stop ends the receive loop and closes the listener connection.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.done != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c, ok := r.notifier.(interface{ Close() }); ok {
		c.Close()
	}
	return r.listener.Close(ctx)
}

// Publish sends ev through NOTIFY. If the notify fails the event is
// delivered locally so this process's observers still refresh.
func (r *Relay) Publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.local.Publish(ev)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.notifier.Notify(ctx, r.channel, string(payload)); err != nil {
		r.log.Warn().Err(err).Str("session_id", ev.SessionID).Msg("notify failed, delivering locally")
		r.local.Publish(ev)
	}
}

func (r *Relay) listenLoop(ctx context.Context) {
	defer close(r.done)

	for {
		payload, err := r.listener.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Error().Err(err).Msg("notification error")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			r.log.Warn().Err(err).Str("payload", payload).Msg("bad notification payload")
			continue
		}
		r.local.Publish(ev)
	}
}

// PGListener implements Listener on a dedicated pgx connection.
type PGListener struct {
	conn *pgx.Conn
}

// DialListener opens the dedicated LISTEN connection.
func DialListener(ctx context.Context, dsn string) (*PGListener, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("feed: connect listener: %w", err)
	}
	return &PGListener{conn: conn}, nil
}

func (l *PGListener) Listen(ctx context.Context, channel string) error {
	_, err := l.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

func (l *PGListener) WaitForNotification(ctx context.Context) (string, error) {
	n, err := l.conn.WaitForNotification(ctx)
	if err != nil {
		return "", err
	}
	return n.Payload, nil
}

func (l *PGListener) Close(ctx context.Context) error {
	return l.conn.Close(ctx)
}

// PGNotifier implements Notifier on a pgx pool.
type PGNotifier struct {
	pool *pgxpool.Pool
}

// NewPGNotifier opens a small pool for NOTIFY traffic.
func NewPGNotifier(ctx context.Context, dsn string) (*PGNotifier, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("feed: connect notifier: %w", err)
	}
	return &PGNotifier{pool: pool}, nil
}

func (n *PGNotifier) Notify(ctx context.Context, channel, payload string) error {
	_, err := n.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return err
}

// Close releases the pool.
func (n *PGNotifier) Close() {
	n.pool.Close()
}
