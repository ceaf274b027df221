package completion

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/whisprnet/internal/logging"
	"github.com/zulandar/whisprnet/internal/metrics"
)

const (
	// SummaryFallback is spoken when the model cannot produce a summary.
	SummaryFallback = "This is an emergency. Please send help."
	// NoAnswer is returned to observers when the model has nothing to say.
	NoAnswer = "No clear answer found."
)

// Task names used for metrics and logs.
const (
	TaskSummary     = "summary"
	TaskImpersonate = "impersonate"
	TaskJudge       = "judge"
	TaskAnswer      = "answer"
)

// Decoding parameters per task. Summaries read naturally; everything that
// must stay grounded runs at temperature 0.
var (
	summaryParams     = Request{MaxTokens: 2000, Temperature: 0.7, TopP: 0.9}
	impersonateParams = Request{MaxTokens: 200, Temperature: 0, TopP: 1}
	judgeParams       = Request{MaxTokens: 500, Temperature: 0, TopP: 1}
	answerParams      = Request{MaxTokens: 200, Temperature: 0, TopP: 1}
)

// Service runs the relay's prompt tasks over a Provider.
type Service struct {
	provider Provider
	log      *logging.Logger
	metrics  *metrics.Collector
}

// NewService wraps a provider.
func NewService(p Provider, log *logging.Logger, m *metrics.Collector) *Service {
	if log == nil {
		log = logging.Nop()
	}
	return &Service{provider: p, log: log, metrics: m}
}

func (s *Service) complete(ctx context.Context, task string, params Request, prompt string) (string, error) {
	params.Prompt = prompt
	out, err := s.provider.Complete(ctx, params)
	s.metrics.Completion(task, err)
	if err != nil {
		return "", fmt.Errorf("completion: %s: %w", task, err)
	}
	return out, nil
}

// Summarize restates the incident for the opening line of the call. It
// falls back to a fixed line when the model fails or returns nothing.
func (s *Service) Summarize(ctx context.Context, inc Incident) string {
	out, err := s.complete(ctx, TaskSummary, summaryParams, buildSummaryPrompt(inc))
	if err != nil {
		s.log.Warn().Err(err).Msg("summary failed, using fallback")
		return SummaryFallback
	}
	if out = strings.TrimSpace(out); out == "" {
		return SummaryFallback
	}
	return out
}

// Impersonate answers the responder's question in the victim's voice,
// grounded only in userMessages. With no messages it refuses without
// calling the model.
func (s *Service) Impersonate(ctx context.Context, question string, userMessages []string) (Reply, error) {
	if len(nonEmpty(userMessages)) == 0 {
		return Reply{Kind: ReplyInsufficientContext}, nil
	}
	out, err := s.complete(ctx, TaskImpersonate, impersonateParams, buildImpersonationPrompt(question, userMessages))
	if err != nil {
		return Reply{}, err
	}
	return parseReply(out), nil
}

// JudgeEscalation decides whether the transcript names the victim, the
// emergency and a specific location. Unparseable output is a negative
// verdict; only provider failures return an error.
func (s *Service) JudgeEscalation(ctx context.Context, transcript []string, location string) (Verdict, error) {
	out, err := s.complete(ctx, TaskJudge, judgeParams, buildJudgePrompt(transcript, location))
	if err != nil {
		return Verdict{}, err
	}
	v, ok := parseVerdict(out)
	if !ok {
		s.log.Warn().Str("output", truncate(out, 200)).Msg("judge output unparseable, skipping escalation")
	}
	return v, nil
}

// Answer replies to an observer's question from the victim's messages.
func (s *Service) Answer(ctx context.Context, sessionID, question string, userMessages []string) (string, error) {
	out, err := s.complete(ctx, TaskAnswer, answerParams, buildAnswerPrompt(sessionID, question, userMessages))
	if err != nil {
		return "", err
	}
	if out = strings.TrimSpace(out); out == "" {
		return NoAnswer, nil
	}
	return out, nil
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
