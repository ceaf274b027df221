package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/whisprnet/internal/telephony"
)

// fallbackScript is served if a script fails to render, so the line
// never goes silent.
const fallbackScript = `<?xml version="1.0" encoding="UTF-8"?><Response><Say>We are experiencing a technical problem. Please stay on the line.</Say><Hangup/></Response>`

// sessionParam reads session_id from the query string, then the form.
func sessionParam(c *gin.Context) string {
	if id := c.Query("session_id"); id != "" {
		return id
	}
	return c.PostForm("session_id")
}

// writeScript renders a call script. Provider callbacks always get a 200.
func (s *Server) writeScript(c *gin.Context, route string, script telephony.Script) {
	s.metrics.Callback(route)
	doc, err := script.Render(s.voice)
	if err != nil {
		s.log.Error().Err(err).Str("route", route).Msg("render call script")
		doc = fallbackScript
	}
	c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(doc))
}

func (s *Server) handleVoice(c *gin.Context) {
	script := s.orch.VoiceScript(c.Request.Context(), sessionParam(c), c.Query("msg"))
	s.writeScript(c, "twiml-voice", script)
}

func (s *Server) handleRecording(c *gin.Context) {
	script := s.orch.HandleRecording(c.Request.Context(),
		sessionParam(c), c.PostForm("RecordingUrl"), c.PostForm("CallStatus"))
	s.writeScript(c, "handle-recording", script)
}

func (s *Server) handleCheckResponse(c *gin.Context) {
	script := s.orch.CheckResponse(c.Request.Context(), sessionParam(c))
	s.writeScript(c, "check-response", script)
}

// handleCallStatus acknowledges every status callback. Failures are
// logged; the provider does not act on them.
func (s *Server) handleCallStatus(c *gin.Context) {
	s.metrics.Callback("call-status")
	sid, status := c.PostForm("CallSid"), c.PostForm("CallStatus")
	if err := s.orch.UpdateStatus(c.Request.Context(), sid, status); err != nil {
		s.log.Warn().Err(err).Str("call_sid", sid).Str("status", status).Msg("status callback not applied")
	}
	c.Status(http.StatusOK)
}
