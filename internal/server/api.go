package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/whisprnet/internal/callflow"
	"github.com/zulandar/whisprnet/internal/chat"
	"github.com/zulandar/whisprnet/internal/escalation"
	"github.com/zulandar/whisprnet/internal/qa"
	"github.com/zulandar/whisprnet/internal/store"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, callflow.ErrInvalidRequest),
		errors.Is(err, callflow.ErrNoActiveCall),
		errors.Is(err, qa.ErrInvalidRequest),
		errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg("request error")
	}
	if code == http.StatusNotFound {
		msg = "session not found"
	}
	c.JSON(code, gin.H{"error": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// flexInt accepts a JSON number or numeric string. Blank, null and
// unparseable values decode to zero.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	raw := string(b)
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		*f = 0
		return nil
	}
	*f = flexInt(v)
	return nil
}

type sosRequest struct {
	SessionID       string   `json:"session_id"`
	Situation       string   `json:"situation"`
	Location        string   `json:"location"`
	NumberOfThreat  flexInt  `json:"number_of_threat"`
	NumberOfThreats flexInt  `json:"number_of_threats"`
	LocationLat     *float64 `json:"location_lat"`
	LocationLong    *float64 `json:"location_long"`
	CallNumber      string   `json:"call_number"`
	Contact1        string   `json:"emergency_contact_1"`
	Contact2        string   `json:"emergency_contact_2"`
	AIGuideEnabled  *bool    `json:"ai_guide_enabled"`
}

func (r sosRequest) toCallflow() callflow.SOSRequest {
	threats := int(r.NumberOfThreat)
	if threats == 0 {
		threats = int(r.NumberOfThreats)
	}
	guide := true
	if r.AIGuideEnabled != nil {
		guide = *r.AIGuideEnabled
	}
	return callflow.SOSRequest{
		SessionID:       strings.TrimSpace(r.SessionID),
		Situation:       r.Situation,
		Location:        r.Location,
		NumberOfThreats: threats,
		LocationLat:     r.LocationLat,
		LocationLong:    r.LocationLong,
		CallNumber:      r.CallNumber,
		Contact1:        r.Contact1,
		Contact2:        r.Contact2,
		AIGuideEnabled:  guide,
	}
}

func (s *Server) handleSOS(c *gin.Context) {
	var req sosRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	res, err := s.orch.StartSession(c.Request.Context(), req.toCallflow())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"created":     res.Created,
		"call_sid":    res.CallSID,
		"call_status": res.Status,
	})
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

func bindSession(c *gin.Context) (string, bool) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return "", false
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		badRequest(c, "Missing session_id")
		return "", false
	}
	return id, true
}

func (s *Server) handleHangup(c *gin.Context) {
	id, ok := bindSession(c)
	if !ok {
		return
	}
	res, err := s.orch.Hangup(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, callflow.ErrNoActiveCall) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No active call found for this session"})
			return
		}
		if statusFor(err) == http.StatusInternalServerError {
			s.log.Error().Err(err).Str("session_id", id).Msg("hang up failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to hang up call", "details": err.Error()})
			return
		}
		s.fail(c, err)
		return
	}
	msg := "Call hung up successfully"
	if res.AlreadyEnded {
		msg = fmt.Sprintf("Call was already %s", res.Status)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg, "callStatus": res.Status})
}

// escalationResponse flattens a stage result under the success flag.
type escalationResponse struct {
	Success bool `json:"success"`
	Skipped bool `json:"skipped,omitempty"`
	*escalation.Result
}

func (s *Server) runEscalation(c *gin.Context, stage func(ctx context.Context, id string) (*escalation.Result, error)) {
	id, ok := bindSession(c)
	if !ok {
		return
	}
	res, err := stage(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, escalationResponse{
		Success: res.Status != escalation.StatusFailed,
		Skipped: res.Status == escalation.StatusSkipped,
		Result:  res,
	})
}

func (s *Server) handleEscalateInitial(c *gin.Context) {
	s.runEscalation(c, s.escalate.Immediate)
}

func (s *Server) handleEscalateContextual(c *gin.Context) {
	s.runEscalation(c, s.escalate.Contextual)
}

type askRequest struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
}

func (s *Server) handleAIHelper(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	answer, err := s.qa.Ask(c.Request.Context(), req.SessionID, req.Question)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"answer": answer})
}

func (s *Server) handleView(c *gin.Context) {
	v, err := s.chat.View(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleTranscript(c *gin.Context) {
	msgs, err := s.chat.Transcript(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type postRequest struct {
	Message string `json:"message"`
}

func (s *Server) handlePost(c *gin.Context) {
	var req postRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	msg, err := s.chat.Post(c.Request.Context(), c.Param("id"), req.Message)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

type aiGuideRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleAIGuide(c *gin.Context) {
	var req aiGuideRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		badRequest(c, "enabled is required")
		return
	}
	v, err := s.chat.SetAIGuide(c.Request.Context(), c.Param("id"), *req.Enabled)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}
