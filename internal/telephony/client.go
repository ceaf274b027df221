// Package telephony places and ends provider calls, sends SMS, and renders
// call scripts as TwiML.
package telephony

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// StatusEvents are the call progress events the provider reports back.
var StatusEvents = []string{"initiated", "ringing", "answered", "completed"}

// Client is the provider surface the call flow and escalation depend on.
type Client interface {
	PlaceCall(ctx context.Context, req CallRequest) (*Call, error)
	EndCall(ctx context.Context, callSID string) error
	SendSMS(ctx context.Context, to, body string) (string, error)
}

// CallRequest describes an outbound call.
type CallRequest struct {
	To             string
	ScriptURL      string // fetched when the call is answered
	StatusCallback string
	TimeLimitSec   int
}

// Call is the provider's answer to a placed call.
type Call struct {
	SID    string
	Status string
}

// restAPI is the subset of the Twilio REST client used here.
type restAPI interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// Twilio implements Client against the Twilio REST API.
type Twilio struct {
	api  restAPI
	from string
}

// TwilioOpts holds parameters for creating a Twilio client.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	From       string
	// For testing: inject a fake REST API.
	API restAPI
}

// NewTwilio creates a Twilio client.
func NewTwilio(opts TwilioOpts) (*Twilio, error) {
	if opts.From == "" {
		return nil, fmt.Errorf("telephony: from number is required")
	}
	api := opts.API
	if api == nil {
		if opts.AccountSID == "" || opts.AuthToken == "" {
			return nil, fmt.Errorf("telephony: account sid and auth token are required")
		}
		rc := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: opts.AccountSID,
			Password: opts.AuthToken,
		})
		api = rc.Api
	}
	return &Twilio{api: api, from: opts.From}, nil
}

// PlaceCall starts an outbound call that fetches its script from req.ScriptURL.
func (t *Twilio) PlaceCall(ctx context.Context, req CallRequest) (*Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(t.from)
	params.SetUrl(req.ScriptURL)
	params.SetMethod("POST")
	if req.StatusCallback != "" {
		params.SetStatusCallback(req.StatusCallback)
		params.SetStatusCallbackEvent(StatusEvents)
		params.SetStatusCallbackMethod("POST")
	}
	if req.TimeLimitSec > 0 {
		params.SetTimeLimit(req.TimeLimitSec)
	}

	resp, err := t.api.CreateCall(params)
	if err != nil {
		return nil, fmt.Errorf("telephony: create call to %s: %w", req.To, err)
	}
	call := &Call{}
	if resp.Sid != nil {
		call.SID = *resp.Sid
	}
	if resp.Status != nil {
		call.Status = *resp.Status
	}
	if call.SID == "" {
		return nil, fmt.Errorf("telephony: create call to %s: provider returned no call sid", req.To)
	}
	return call, nil
}

// EndCall forces the call to completed.
func (t *Twilio) EndCall(ctx context.Context, callSID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := t.api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("telephony: end call %s: %w", callSID, err)
	}
	return nil
}

// SendSMS sends one text message and returns the provider message SID.
func (t *Twilio) SendSMS(ctx context.Context, to, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(t.from)
	params.SetBody(body)
	resp, err := t.api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("telephony: send sms to %s: %w", to, err)
	}
	if resp.Sid == nil {
		return "", nil
	}
	return *resp.Sid, nil
}
