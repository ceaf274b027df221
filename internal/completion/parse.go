package completion

import (
	"encoding/json"
	"strings"
)

// ReplyKind tags an impersonation result.
type ReplyKind int

const (
	// ReplyAnswered means Text is a grounded first-person answer.
	ReplyAnswered ReplyKind = iota
	// ReplyInsufficientContext means the victim must answer themselves.
	ReplyInsufficientContext
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyAnswered:
		return "answered"
	case ReplyInsufficientContext:
		return "insufficient_context"
	default:
		return "unknown"
	}
}

// Reply is the outcome of asking the model to answer as the victim.
type Reply struct {
	Kind ReplyKind
	Text string
}

// Answered reports whether the reply carries speakable text.
func (r Reply) Answered() bool { return r.Kind == ReplyAnswered }

// Verdict is the escalation judge's structured answer.
type Verdict struct {
	Valid   bool
	Reason  string
	Summary string
}

// normalize lowercases and strips quotes, whitespace and trailing punctuation.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, "\"'` \t\r\n")
	s = strings.TrimRight(s, ".!")
	return strings.TrimSpace(s)
}

var normalizedRefusal = normalize(refusalPhrase)

// IsRefusal reports whether text is the model's refusal line. Used to hide
// rows written before refusals were dropped at the boundary.
func IsRefusal(text string) bool {
	return normalize(text) == normalizedRefusal
}

// parseReply converts raw model output into a tagged Reply. Empty output
// and the refusal line both mean insufficient context.
func parseReply(raw string) Reply {
	text := strings.TrimSpace(raw)
	if text == "" || IsRefusal(text) {
		return Reply{Kind: ReplyInsufficientContext}
	}
	return Reply{Kind: ReplyAnswered, Text: text}
}

// parseVerdict extracts the judge's JSON object. Anything unparseable is a
// negative verdict; the second return reports whether parsing succeeded.
func parseVerdict(raw string) (Verdict, bool) {
	body := strings.TrimSpace(raw)
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return Verdict{Reason: "unparseable judge output"}, false
	}

	var out struct {
		Valid   interface{} `json:"valid"`
		Reason  string      `json:"reason"`
		Summary string      `json:"summary"`
	}
	if err := json.Unmarshal([]byte(body[start:end+1]), &out); err != nil {
		return Verdict{Reason: "unparseable judge output"}, false
	}

	v := Verdict{Reason: strings.TrimSpace(out.Reason), Summary: strings.TrimSpace(out.Summary)}
	switch val := out.Valid.(type) {
	case string:
		v.Valid = strings.EqualFold(strings.TrimSpace(val), "yes")
	case bool:
		v.Valid = val
	}
	// A yes with nothing to send is not actionable.
	if v.Valid && v.Summary == "" {
		v.Valid = false
		v.Reason = "judge returned no summary"
	}
	return v, true
}
