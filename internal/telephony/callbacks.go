package telephony

import (
	"net/url"
	"strings"
)

// Callbacks builds the provider callback URLs under a public base URL.
type Callbacks struct {
	Base string
}

// NewCallbacks creates a Callbacks rooted at base.
func NewCallbacks(base string) Callbacks {
	return Callbacks{Base: strings.TrimRight(base, "/")}
}

// Voice is the script URL fetched once the call is answered.
func (c Callbacks) Voice(sessionID, msg string) string {
	q := url.Values{}
	q.Set("session_id", sessionID)
	q.Set("msg", msg)
	return c.Base + "/sos/twiml-voice?" + q.Encode()
}

// Recording is where finished recordings are posted.
func (c Callbacks) Recording(sessionID string) string {
	return c.Base + "/sos/handle-recording?session_id=" + url.QueryEscape(sessionID)
}

// Check is the wait-poll endpoint.
func (c Callbacks) Check(sessionID string) string {
	return c.Base + "/sos/check-response?session_id=" + url.QueryEscape(sessionID)
}

// Status receives call progress events.
func (c Callbacks) Status() string {
	return c.Base + "/sos/call-status"
}
