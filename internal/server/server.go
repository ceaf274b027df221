// Package server is the relay's HTTP surface: the telephony provider's
// callbacks, the victim app's JSON API and the live view streams.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/zulandar/whisprnet/internal/callflow"
	"github.com/zulandar/whisprnet/internal/chat"
	"github.com/zulandar/whisprnet/internal/escalation"
	"github.com/zulandar/whisprnet/internal/logging"
	"github.com/zulandar/whisprnet/internal/metrics"
	"github.com/zulandar/whisprnet/internal/qa"
)

// Escalator runs an escalation stage on demand.
type Escalator interface {
	Immediate(ctx context.Context, sessionID string) (*escalation.Result, error)
	Contextual(ctx context.Context, sessionID string) (*escalation.Result, error)
}

// Opts holds the dependencies of the HTTP surface.
type Opts struct {
	Orchestrator   *callflow.Orchestrator
	Escalation     Escalator
	Chat           *chat.Bridge
	QA             *qa.Helper
	Voice          string   // speech voice for scripts
	AllowedOrigins []string // empty allows any origin
	Heartbeat      time.Duration
	Log            *logging.Logger
	Metrics        *metrics.Collector
}

// Server wires the routes onto a gin engine.
type Server struct {
	router    *gin.Engine
	orch      *callflow.Orchestrator
	escalate  Escalator
	chat      *chat.Bridge
	qa        *qa.Helper
	voice     string
	origins   []string
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	log       *logging.Logger
	metrics   *metrics.Collector
}

// New builds the router.
func New(opts Opts) (*Server, error) {
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("server: orchestrator is required")
	}
	if opts.Escalation == nil || opts.Chat == nil || opts.QA == nil {
		return nil, fmt.Errorf("server: escalation, chat and qa are required")
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}

	s := &Server{
		orch:      opts.Orchestrator,
		escalate:  opts.Escalation,
		chat:      opts.Chat,
		qa:        opts.QA,
		voice:     opts.Voice,
		origins:   opts.AllowedOrigins,
		heartbeat: opts.Heartbeat,
		log:       opts.Log,
		metrics:   opts.Metrics,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestMetrics(), s.cors())
	s.registerRoutes(router)
	s.router = router
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int, out io.Writer) error {
	if port <= 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if out != nil {
		fmt.Fprintf(out, "WhisprNet relay listening on :%d\n", port)
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	// Telephony provider callbacks.
	r.POST("/sos", s.handleSOS)
	r.POST("/sos/twiml-voice", s.handleVoice)
	r.POST("/sos/handle-recording", s.handleRecording)
	r.POST("/sos/check-response", s.handleCheckResponse)
	r.POST("/sos/call-status", s.handleCallStatus)

	// Victim app and internal triggers.
	r.POST("/hangup-call", s.handleHangup)
	r.POST("/escalate-alert/initial", s.handleEscalateInitial)
	r.POST("/escalate-alert/contextual", s.handleEscalateContextual)
	r.POST("/contact-ai-helper", s.handleAIHelper)

	// Chat bridge and live view.
	r.GET("/sessions/:id", s.handleView)
	r.GET("/sessions/:id/messages", s.handleTranscript)
	r.POST("/sessions/:id/messages", s.handlePost)
	r.PUT("/sessions/:id/ai-guide", s.handleAIGuide)
	r.GET("/sessions/:id/events", s.handleEvents)
	r.GET("/sessions/:id/ws", s.handleWebSocket)
}
