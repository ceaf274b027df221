package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zulandar/whisprnet/internal/callflow"
	"github.com/zulandar/whisprnet/internal/chat"
	"github.com/zulandar/whisprnet/internal/completion"
	"github.com/zulandar/whisprnet/internal/config"
	"github.com/zulandar/whisprnet/internal/db"
	"github.com/zulandar/whisprnet/internal/escalation"
	"github.com/zulandar/whisprnet/internal/feed"
	"github.com/zulandar/whisprnet/internal/logging"
	"github.com/zulandar/whisprnet/internal/metrics"
	"github.com/zulandar/whisprnet/internal/notify"
	"github.com/zulandar/whisprnet/internal/outbox"
	"github.com/zulandar/whisprnet/internal/qa"
	"github.com/zulandar/whisprnet/internal/store"
	"github.com/zulandar/whisprnet/internal/telephony"
	"github.com/zulandar/whisprnet/internal/transcribe"
	"golang.org/x/term"
	"gorm.io/gorm"
)

// app is the fully wired relay.
type app struct {
	cfg        *config.Config
	db         *gorm.DB
	log        *logging.Logger
	metrics    *metrics.Collector
	broker     *feed.Broker
	relay      *feed.Relay // nil unless feed.pg_notify is set
	store      *store.Store
	outbox     *outbox.Outbox
	dispatcher *outbox.Dispatcher
	orch       *callflow.Orchestrator
	escalation *escalation.Engine
	chat       *chat.Bridge
	qa         *qa.Helper
}

// newLogger picks pretty console output on a terminal, JSON otherwise,
// and a rotating file when one is configured.
func newLogger(cfg config.LogConfig, stderr io.Writer) *logging.Logger {
	if cfg.File != "" {
		return logging.New(logging.RotatingFile(logging.FileOpts{
			Path:       cfg.File,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
		}), cfg.Level)
	}
	if f, ok := stderr.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return logging.New(nil, cfg.Level)
	}
	return logging.New(stderr, cfg.Level)
}

// buildApp connects to the database and wires every component.
func buildApp(ctx context.Context, cfg *config.Config, log *logging.Logger) (*app, error) {
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		db:      gormDB,
		log:     log,
		metrics: metrics.New(),
		broker:  feed.NewBroker(),
	}

	var pub feed.Publisher = a.broker
	if cfg.Feed.PGNotify {
		listener, err := feed.DialListener(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("feed listener: %w", err)
		}
		notifier, err := feed.NewPGNotifier(ctx, cfg.Database.DSN)
		if err != nil {
			listener.Close(ctx)
			return nil, fmt.Errorf("feed notifier: %w", err)
		}
		a.relay = feed.NewRelay(feed.RelayOpts{
			Channel:  cfg.Feed.Channel,
			Local:    a.broker,
			Listener: listener,
			Notifier: notifier,
			Log:      log.Sub("feed"),
		})
		pub = a.relay
	}
	a.store = store.New(gormDB, pub)
	a.outbox = outbox.New(gormDB)

	phone, err := telephony.NewTwilio(telephony.TwilioOpts{
		AccountSID: cfg.Telephony.AccountSID,
		AuthToken:  cfg.Telephony.AuthToken,
		From:       cfg.Telephony.FromNumber,
	})
	if err != nil {
		return nil, err
	}

	provider, err := completion.NewProvider(cfg.Completion, nil)
	if err != nil {
		return nil, err
	}
	assistant := completion.NewService(provider, log.Sub("completion"), a.metrics)

	sttOpts := transcribe.Opts{
		URL:     cfg.Transcription.URL,
		APIKey:  cfg.Transcription.APIKey,
		Retries: cfg.Transcription.DownloadRetries,
		Delay:   time.Duration(cfg.Transcription.DownloadDelayMs) * time.Millisecond,
		Log:     log.Sub("transcribe"),
		Metrics: a.metrics,
	}
	if cfg.Transcription.RecordingAuth {
		sttOpts.RecordingUser = cfg.Telephony.AccountSID
		sttOpts.RecordingPassword = cfg.Telephony.AuthToken
	}

	mirror, err := notify.FromConfig(cfg.Escalation.Ops, log.Sub("notify"))
	if err != nil {
		return nil, err
	}

	a.orch, err = callflow.New(callflow.Opts{
		Store:       a.store,
		Phone:       phone,
		Transcriber: transcribe.New(sttOpts),
		Assistant:   assistant,
		Outbox:      a.outbox,
		Policy:      callflow.PolicyFromConfig(telephony.NewCallbacks(cfg.Server.PublicURL), cfg.Telephony),
		Log:         log.Sub("callflow"),
		Metrics:     a.metrics,
	})
	if err != nil {
		return nil, err
	}

	a.escalation, err = escalation.New(escalation.Opts{
		Store:    a.store,
		SMS:      phone,
		Judge:    assistant,
		Mirror:   mirror,
		LiveView: cfg.LiveViewURL,
		Log:      log.Sub("escalation"),
		Metrics:  a.metrics,
	})
	if err != nil {
		return nil, err
	}

	a.dispatcher, err = outbox.NewDispatcher(outbox.DispatcherOpts{
		DB:          gormDB,
		Handlers:    outbox.EscalationHandlers(a.escalation),
		MaxAttempts: cfg.Outbox.MaxAttempts,
		BatchSize:   cfg.Outbox.BatchSize,
		Log:         log.Sub("outbox"),
		Metrics:     a.metrics,
	})
	if err != nil {
		return nil, err
	}

	a.chat, err = chat.New(chat.Opts{Store: a.store, Broker: a.broker, Log: log.Sub("chat")})
	if err != nil {
		return nil, err
	}
	a.qa = qa.New(a.store, assistant, log.Sub("qa"))
	return a, nil
}
