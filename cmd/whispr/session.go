package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/whisprnet/internal/chat"
	"github.com/zulandar/whisprnet/internal/config"
	"github.com/zulandar/whisprnet/internal/db"
	"github.com/zulandar/whisprnet/internal/models"
	"github.com/zulandar/whisprnet/internal/outbox"
	"github.com/zulandar/whisprnet/internal/store"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and control emergency sessions",
	}

	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionHangupCmd())
	return cmd
}

func newSessionShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session, its transcript and its outbox events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "whisprnet.yaml", "path to WhisprNet config file")
	return cmd
}

func runSessionShow(cmd *cobra.Command, configPath, id string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}
	st := store.New(gormDB, nil)
	bridge, err := chat.New(chat.Opts{Store: st})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	view, err := bridge.View(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("session %q not found", id)
	}
	if err != nil {
		return err
	}
	events, err := outbox.New(gormDB).Events(ctx, id)
	if err != nil {
		return err
	}
	printSession(cmd.OutOrStdout(), view, events)
	return nil
}

func printSession(out io.Writer, v *chat.View, events []models.OutboxEvent) {
	s := v.Session
	fmt.Fprintf(out, "Session:     %s\n", s.ID)
	fmt.Fprintf(out, "Call:        %s (%s)\n", s.CallStatus, s.CallState)
	fmt.Fprintf(out, "Processing:  %s\n", s.ProcessingStatus)
	fmt.Fprintf(out, "AI guide:    %v\n", s.AIGuideEnabled)
	fmt.Fprintf(out, "Final SMS:   %v\n", s.FinalSMSSent)
	fmt.Fprintf(out, "Location:    %s\n", s.Location)
	fmt.Fprintf(out, "Situation:   %s\n", s.Situation)

	fmt.Fprintf(out, "\nTranscript (%d):\n", len(v.Messages))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, m := range v.Messages {
		sent := ""
		if m.SentToResponder {
			sent = "spoken"
		}
		fmt.Fprintf(tw, "  %s\t%s/%s\t%s\t%s\n", m.CreatedAt.Format("15:04:05"), m.Sender, m.SourceType, sent, m.Body)
	}
	tw.Flush()

	if len(events) > 0 {
		fmt.Fprintf(out, "\nOutbox (%d):\n", len(events))
		tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, e := range events {
			fmt.Fprintf(tw, "  %s\t%s\tattempts=%d\t%s\n", e.Kind, e.Status, e.Attempts, e.LastError)
		}
		tw.Flush()
	}
}

func newSessionHangupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "hangup <session-id>",
		Short: "End a session's call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionHangup(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "whisprnet.yaml", "path to WhisprNet config file")
	return cmd
}

func runSessionHangup(cmd *cobra.Command, configPath, id string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := buildApp(ctx, cfg, newLogger(cfg.Log, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	res, err := a.orch.Hangup(ctx, id)
	if err != nil {
		return err
	}
	if res.AlreadyEnded {
		fmt.Fprintf(cmd.OutOrStdout(), "Call for %s was already %s\n", id, res.Status)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Call for %s hung up\n", id)
	return nil
}
