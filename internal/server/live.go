package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zulandar/whisprnet/internal/chat"
	"github.com/zulandar/whisprnet/internal/logging"
)

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
}

// handleEvents streams a session's changes as server-sent events: the full
// view on connect, then one event per row change, plus heartbeats. The view
// is sent again whenever the subscriber fell behind and lost events.
func (s *Server) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	sub, err := s.chat.Watch(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer sub.Close()
	view, err := s.chat.View(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeSSE(c.Writer, "view", view)
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			u, err := s.chat.Resolve(ctx, ev)
			if err != nil {
				s.log.Warn().Err(err).Str("session_id", id).Msg("resolve live event")
				continue
			}
			if u == nil {
				continue
			}
			writeSSE(c.Writer, u.Type, u)
			c.Writer.Flush()
		case <-sub.Resync:
			view, err := s.chat.View(ctx, id)
			if err != nil {
				s.log.Warn().Err(err).Str("session_id", id).Msg("resync live view")
				continue
			}
			writeSSE(c.Writer, "view", view)
			c.Writer.Flush()
		}
	}
}

// Frame types exchanged over the chat WebSocket.
const (
	frameView  = "view"
	frameError = "error"
	frameAck   = "ack"
)

// wsFrame is a server-to-client frame.
type wsFrame struct {
	Type    string            `json:"type"`
	View    *chat.View        `json:"view,omitempty"`
	Session *chat.SessionView `json:"session,omitempty"`
	Message *chat.MessageView `json:"message,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// wsInbound is a client-to-server frame: a message typed by the victim.
type wsInbound struct {
	Message string `json:"message"`
}

// wsConn serializes writes on one WebSocket connection.
type wsConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
	log  *logging.Logger
}

func (w *wsConn) send(f wsFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(f)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// handleWebSocket is the chat bridge: the victim's app posts messages over
// the socket and receives the same updates as the live view.
func (s *Server) handleWebSocket(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	sub, err := s.chat.Watch(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer sub.Close()
	view, err := s.chat.View(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", id).Msg("websocket upgrade failed")
		return
	}
	pongWait := 2*s.heartbeat + time.Second
	conn.SetReadLimit(64 * 1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	connID := uuid.New().String()
	ws := &wsConn{id: connID, conn: conn, log: s.log.With("conn_id", connID)}
	defer conn.Close()
	ws.log.Debug().Str("session_id", id).Msg("chat socket connected")

	if err := ws.send(wsFrame{Type: frameView, View: view}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var in wsInbound
			if err := conn.ReadJSON(&in); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					ws.log.Debug().Err(err).Msg("chat socket read ended")
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(pongWait))
			msg, err := s.chat.Post(ctx, id, in.Message)
			if err != nil {
				ws.send(wsFrame{Type: frameError, Error: err.Error()})
				continue
			}
			ws.send(wsFrame{Type: frameAck, Message: msg})
		}
	}()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := ws.ping(); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			u, err := s.chat.Resolve(ctx, ev)
			if err != nil || u == nil {
				continue
			}
			if err := ws.send(wsFrame{Type: u.Type, Session: u.Session, Message: u.Message}); err != nil {
				return
			}
		case <-sub.Resync:
			view, err := s.chat.View(ctx, id)
			if err != nil {
				continue
			}
			if err := ws.send(wsFrame{Type: frameView, View: view}); err != nil {
				return
			}
		}
	}
}
