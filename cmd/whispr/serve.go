package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/whisprnet/internal/config"
	"github.com/zulandar/whisprnet/internal/scheduler"
	"github.com/zulandar/whisprnet/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SOS relay HTTP server",
		Long:  "Serves the telephony callbacks, the victim app API and the live view, and runs the outbox dispatcher and stale call reaper.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "whisprnet.yaml", "path to WhisprNet config file")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	log := newLogger(cfg.Log, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	if a.relay != nil {
		if err := a.relay.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			a.relay.Stop(stopCtx)
		}()
	}

	sched, err := scheduler.New(log.Sub("scheduler"),
		scheduler.Job{Name: "outbox", Spec: cfg.Outbox.Schedule, Run: a.dispatcher.Drain},
		scheduler.Job{Name: "reaper", Spec: cfg.Outbox.ReapSchedule, Run: a.orch.ReapStale},
	)
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	srv, err := server.New(server.Opts{
		Orchestrator:   a.orch,
		Escalation:     a.escalation,
		Chat:           a.chat,
		QA:             a.qa,
		Voice:          cfg.Telephony.Voice,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Log:            log.Sub("server"),
		Metrics:        a.metrics,
	})
	if err != nil {
		return err
	}

	log.Info().Str("public_url", cfg.Server.PublicURL).Str("db", cfg.Database.Driver).
		Str("llm", cfg.Completion.Provider).Msg("relay starting")
	return srv.Run(ctx, cfg.Server.Port, cmd.OutOrStdout())
}
