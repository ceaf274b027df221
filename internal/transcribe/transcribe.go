// Package transcribe downloads provider call recordings and runs them
// through the speech-to-text service.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/zulandar/whisprnet/internal/logging"
	"github.com/zulandar/whisprnet/internal/metrics"
)

// audioSuffix selects the mp3 rendition of a provider recording.
const audioSuffix = ".mp3"

// Transcriber fetches recordings and transcribes them.
type Transcriber struct {
	download *retryablehttp.Client
	sttURL   string
	apiKey   string
	recUser  string
	recPass  string
	log      *logging.Logger
	metrics  *metrics.Collector
}

// Opts configures a Transcriber.
type Opts struct {
	URL     string // speech-to-text recognize endpoint
	APIKey  string
	Retries int           // total download attempts
	Delay   time.Duration // fixed wait between download attempts

	// Credentials sent when fetching recordings; empty means anonymous.
	RecordingUser     string
	RecordingPassword string

	HTTPClient *http.Client
	Log        *logging.Logger
	Metrics    *metrics.Collector
}

// New creates a Transcriber.
func New(opts Opts) *Transcriber {
	log := opts.Log
	if log == nil {
		log = logging.Nop()
	}
	retries := opts.Retries
	if retries < 1 {
		retries = 1
	}

	client := retryablehttp.NewClient()
	client.RetryMax = retries - 1
	client.RetryWaitMin = opts.Delay
	client.RetryWaitMax = opts.Delay
	client.Backoff = func(min, _ time.Duration, _ int, _ *http.Response) time.Duration { return min }
	client.CheckRetry = recordingNotReady
	client.Logger = logging.Leveled(log)
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	}

	return &Transcriber{
		download: client,
		sttURL:   opts.URL,
		apiKey:   opts.APIKey,
		recUser:  opts.RecordingUser,
		recPass:  opts.RecordingPassword,
		log:      log,
		metrics:  opts.Metrics,
	}
}

// recordingNotReady retries any transport error or non-2xx answer: the
// provider serves 404 until the recording is finalized.
func recordingNotReady(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return resp.StatusCode < 200 || resp.StatusCode > 299, nil
}

// FetchRecording downloads the mp3 rendition of a recording, retrying with
// a fixed delay while it is not yet available.
func (t *Transcriber) FetchRecording(ctx context.Context, recordingURL string) ([]byte, error) {
	if recordingURL == "" {
		return nil, fmt.Errorf("transcribe: recording url is required")
	}
	url := recordingURL
	if !strings.HasSuffix(url, audioSuffix) {
		url += audioSuffix
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transcribe: build download request: %w", err)
	}
	if t.recUser != "" {
		req.SetBasicAuth(t.recUser, t.recPass)
	}

	resp, err := t.download.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcribe: recording not ready after %d attempts: %w", t.download.RetryMax+1, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("transcribe: download recording: status %d", resp.StatusCode)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transcribe: read recording: %w", err)
	}
	return audio, nil
}

type recognizeResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"results"`
}

// Recognize sends mp3 audio to the speech-to-text service. An empty
// transcript means no speech was found and is not an error.
func (t *Transcriber) Recognize(ctx context.Context, audio []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.sttURL, bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("transcribe: build recognize request: %w", err)
	}
	req.SetBasicAuth("apikey", t.apiKey)
	req.Header.Set("Content-Type", "audio/mp3")
	req.Header.Set("Accept", "application/json")

	resp, err := t.download.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe: recognize: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("transcribe: read recognize response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("transcribe: recognize: status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed recognizeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("transcribe: parse recognize response: %w", err)
	}
	var parts []string
	for _, r := range parsed.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		if s := strings.TrimSpace(r.Alternatives[0].Transcript); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " "), nil
}

// TranscribeRecording downloads and transcribes one recording.
func (t *Transcriber) TranscribeRecording(ctx context.Context, recordingURL string) (transcript string, err error) {
	defer func() { t.metrics.Transcription(err) }()

	audio, err := t.FetchRecording(ctx, recordingURL)
	if err != nil {
		return "", err
	}
	transcript, err = t.Recognize(ctx, audio)
	if err != nil {
		return "", err
	}
	t.log.Debug().Int("audio_bytes", len(audio)).Int("transcript_len", len(transcript)).Msg("transcribed recording")
	return transcript, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
