package retell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultBaseURL is the production agent backend API.
const DefaultBaseURL = "https://api.retellai.com"

// registerPath is the phone call registration endpoint.
const registerPath = "/v2/register-phone-call"

// maxResponseBytes bounds how much of a registration response is read.
const maxResponseBytes = 64 * 1024

// ErrRegistrationFailed is matched by every error returned from
// RegisterPhoneCall.
var ErrRegistrationFailed = errors.New("call registration failed")

// RegistrationError describes a failed registration attempt. StatusCode is
// zero when the request never produced a response.
type RegistrationError struct {
	StatusCode int
	Detail     string
	Err        error
}

func (e *RegistrationError) Error() string {
	msg := "retell: registering call"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *RegistrationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrRegistrationFailed, e.Err}
	}
	return []error{ErrRegistrationFailed}
}

// RegisterRequest carries the per-call fields of a registration.
type RegisterRequest struct {
	AgentID          string
	FromNumber       string
	ToNumber         string
	Direction        string
	CallSID          string
	DynamicVariables map[string]string
}

// callMetadata is echoed back by the backend in its own call events.
type callMetadata struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Direction string `json:"direction"`
	CallSID   string `json:"call_sid"`
}

// registerPayload is the JSON body of POST /v2/register-phone-call.
type registerPayload struct {
	AgentID                   string            `json:"agent_id"`
	FromNumber                string            `json:"from_number"`
	ToNumber                  string            `json:"to_number"`
	Metadata                  callMetadata      `json:"metadata"`
	DynamicVariables          map[string]string `json:"retell_llm_dynamic_variables"`
	EndCallAfterSilenceMs     int64             `json:"end_call_after_silence_ms,omitempty"`
	DropCallIfMachineDetected bool              `json:"drop_call_if_machine_detected,omitempty"`
}

// registerResponse is the subset of the registration response we use.
type registerResponse struct {
	CallID       string `json:"call_id"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Options tunes backend call behaviour for every registration.
type Options struct {
	// Timeout bounds a single registration round-trip. Zero means 20s.
	Timeout time.Duration

	// EndCallAfterSilence asks the backend to hang up after this much
	// silence. Zero leaves the backend default.
	EndCallAfterSilence time.Duration

	// DropCallIfMachineDetected asks the backend to end calls answered by
	// voicemail.
	DropCallIfMachineDetected bool
}

// Client registers calls with the agent backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	opts       Options
	logger     *slog.Logger
}

// NewClient creates a registration client. baseURL is normally
// DefaultBaseURL; tests point it at an httptest server.
func NewClient(baseURL, apiKey string, opts Options, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		opts:       opts,
		logger:     logger.With("subsystem", "retell"),
	}
}

// RegisterPhoneCall registers a call and returns the bridge identifier the
// backend assigned to it. It makes exactly one attempt; any failure is
// reported as a *RegistrationError.
func (c *Client) RegisterPhoneCall(ctx context.Context, req RegisterRequest) (string, error) {
	vars := req.DynamicVariables
	if vars == nil {
		vars = map[string]string{}
	}

	payload := registerPayload{
		AgentID:    req.AgentID,
		FromNumber: req.FromNumber,
		ToNumber:   req.ToNumber,
		Metadata: callMetadata{
			From:      req.FromNumber,
			To:        req.ToNumber,
			Direction: req.Direction,
			CallSID:   req.CallSID,
		},
		DynamicVariables:          vars,
		EndCallAfterSilenceMs:     c.opts.EndCallAfterSilence.Milliseconds(),
		DropCallIfMachineDetected: c.opts.DropCallIfMachineDetected,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", &RegistrationError{Detail: "marshalling request", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+registerPath, bytes.NewReader(body))
	if err != nil {
		return "", &RegistrationError{Detail: "creating request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("registration request failed",
			"call_sid", req.CallSID,
			"error", err,
		)
		return "", &RegistrationError{Detail: "sending request", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &RegistrationError{StatusCode: resp.StatusCode, Detail: "reading response", Err: err}
	}

	var data registerResponse
	decodeErr := json.Unmarshal(respBody, &data)

	if resp.StatusCode != http.StatusCreated || decodeErr != nil || data.CallID == "" {
		regErr := &RegistrationError{StatusCode: resp.StatusCode, Detail: data.ErrorMessage}
		switch {
		case resp.StatusCode != http.StatusCreated:
			if regErr.Detail == "" {
				regErr.Detail = excerpt(respBody)
			}
		case decodeErr != nil:
			regErr.Detail = "decoding response"
			regErr.Err = decodeErr
		default:
			regErr.Detail = "response missing call_id"
		}
		c.logger.Error("error registering call",
			"call_sid", req.CallSID,
			"status", resp.StatusCode,
			"detail", regErr.Detail,
		)
		return "", regErr
	}

	c.logger.Info("call registered",
		"call_sid", req.CallSID,
		"bridge_id", data.CallID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return data.CallID, nil
}

// excerpt returns a short printable prefix of a response body for logs.
func excerpt(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
