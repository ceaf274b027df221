// Package qa answers questions from people monitoring a session, using
// only what the victim has said.
package qa

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/whisprnet/internal/logging"
	"github.com/zulandar/whisprnet/internal/store"
)

// ErrInvalidRequest is returned when the session ID or question is blank.
var ErrInvalidRequest = errors.New("qa: session_id and question are required")

// Answerer produces an answer from the victim's messages.
type Answerer interface {
	Answer(ctx context.Context, sessionID, question string, userMessages []string) (string, error)
}

// Helper runs observer questions. It never writes.
type Helper struct {
	store  *store.Store
	answer Answerer
	log    *logging.Logger
}

// New creates a Helper.
func New(st *store.Store, a Answerer, log *logging.Logger) *Helper {
	if log == nil {
		log = logging.Nop()
	}
	return &Helper{store: st, answer: a, log: log}
}

// Ask answers question for sessionID.
func (h *Helper) Ask(ctx context.Context, sessionID, question string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	question = strings.TrimSpace(question)
	if sessionID == "" || question == "" {
		return "", ErrInvalidRequest
	}
	if _, err := h.store.GetSession(ctx, sessionID); err != nil {
		return "", err
	}
	msgs, err := h.store.UserMessages(ctx, sessionID)
	if err != nil {
		return "", err
	}
	bodies := make([]string, 0, len(msgs))
	for _, m := range msgs {
		bodies = append(bodies, m.Body)
	}
	answer, err := h.answer.Answer(ctx, sessionID, question, bodies)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", sessionID).Msg("ai helper failed")
		return "", fmt.Errorf("qa: ask %s: %w", sessionID, err)
	}
	return answer, nil
}
