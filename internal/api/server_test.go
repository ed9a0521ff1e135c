package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/agentbridge/internal/api/middleware"
	"github.com/flowpbx/agentbridge/internal/calls"
	"github.com/flowpbx/agentbridge/internal/config"
	"github.com/flowpbx/agentbridge/internal/jambonz"
	"github.com/flowpbx/agentbridge/internal/retell"
	"github.com/flowpbx/agentbridge/internal/routing"
)

var testSecret = bytes.Repeat([]byte{0x24}, 32)

// fakeRouter records the last routed call and returns a canned result.
type fakeRouter struct {
	strategy routing.Strategy
	call     routing.Call
	plan     routing.Plan
	err      error
}

func (f *fakeRouter) RouteWith(_ context.Context, strategy routing.Strategy, call routing.Call) (routing.Plan, error) {
	f.strategy = strategy
	f.call = call
	return f.plan, f.err
}

type harness struct {
	srv    *Server
	calls  *calls.Registry
	router *fakeRouter
	logs   *bytes.Buffer
}

// loadConfig loads a valid configuration from the given extra flags with no
// environment overrides.
func loadConfig(t *testing.T, extra ...string) *config.Config {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "AGENTBRIDGE_") {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}

	oldArgs := os.Args
	t.Cleanup(func() { os.Args = oldArgs })
	os.Args = append([]string{
		"agentbridge",
		"--retell-api-key", "key_123",
		"--retell-agent-id", "agent_123",
		"--retell-trunk-name", "retell",
	}, extra...)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func newHarness(t *testing.T, extra ...string) *harness {
	t.Helper()
	cfg := loadConfig(t, extra...)

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h := &harness{
		calls:  calls.NewRegistry(logger),
		router: &fakeRouter{},
		logs:   &logs,
	}
	srv, err := NewServer(cfg, Deps{
		Calls:  h.calls,
		Router: h.router,
		Sessions: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("agentbridge_uptime_seconds 1\n"))
		}),
	}, logger)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(srv.Close)
	h.srv = srv
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.srv.ServeHTTP(rr, req)
	return rr
}

func postJSON(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rr := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var env struct {
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if env.Data["status"] != "ok" {
		t.Errorf("expected status ok, got %v", env.Data)
	}
}

func TestSuccessPage(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "bridge.example.com"
	rr := h.do(req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{"wss://bridge.example.com/retell", "https://bridge.example.com/call-status"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected page to contain %q", want)
		}
	}
	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("expected security headers, X-Frame-Options = %q", got)
	}
}

func TestSessionsMounted(t *testing.T) {
	h := newHarness(t)
	rr := h.do(httptest.NewRequest(http.MethodGet, "/retell", nil))
	if rr.Code != http.StatusTeapot {
		t.Errorf("expected session handler to serve /retell, got %d", rr.Code)
	}
}

func TestCallStatus(t *testing.T) {
	tests := []struct {
		name       string
		req        func() *http.Request
		wantStatus int
		wantKept   bool
	}{
		{
			name: "json completed",
			req: func() *http.Request {
				return postJSON("/call-status", `{"call_sid":"CA1","call_status":"completed","sip_status":200}`)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "form completed",
			req: func() *http.Request {
				form := url.Values{"call_sid": {"CA1"}, "call_status": {"completed"}}
				req := httptest.NewRequest(http.MethodPost, "/call-status", strings.NewReader(form.Encode()))
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				return req
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "in progress",
			req: func() *http.Request {
				return postJSON("/call-status", `{"call_sid":"CA1","call_status":"in-progress"}`)
			},
			wantStatus: http.StatusOK,
			wantKept:   true,
		},
		{
			name: "malformed",
			req: func() *http.Request {
				return postJSON("/call-status", `{"call_sid":`)
			},
			wantStatus: http.StatusBadRequest,
			wantKept:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.calls.Put("CA1", "bridge-1")

			rr := h.do(tt.req())
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if _, ok := h.calls.Get("CA1"); ok != tt.wantKept {
				t.Errorf("call kept = %v, want %v", ok, tt.wantKept)
			}
		})
	}
}

func TestCallStatus_UnknownCallCompleted(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 2; i++ {
		rr := h.do(postJSON("/call-status", `{"call_sid":"CA9","call_status":"completed"}`))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
	}
	if !strings.Contains(h.logs.String(), `"calls_in_progress":0`) {
		t.Errorf("expected registry size in logs, got %s", h.logs.String())
	}
}

func TestCallStatus_MalformedSIPStatus(t *testing.T) {
	h := newHarness(t)
	h.calls.Put("CA1", "bridge-1")

	form := url.Values{"call_sid": {"CA1"}, "call_status": {"completed"}, "sip_status": {"ok"}}
	req := httptest.NewRequest(http.MethodPost, "/call-status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rr := h.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if _, ok := h.calls.Get("CA1"); ok {
		t.Error("expected completed call to be removed")
	}
	if !strings.Contains(h.logs.String(), `"msg":"ignoring malformed sip_status"`) {
		t.Errorf("expected malformed sip_status to be logged, got %s", h.logs.String())
	}
}

func TestRetellAI(t *testing.T) {
	h := newHarness(t)
	h.router.plan = routing.Plan{
		Strategy: routing.DialEndpoint,
		Target:   jambonz.SIPTarget("sip:bridge-1@sip.example.com"),
		BridgeID: "bridge-1",
	}

	rr := h.do(postJSON("/retellai", `{"call_sid":"CA1","from":"+15551230000","to":"+15559870000","direction":"inbound"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if h.router.strategy != routing.DialEndpoint {
		t.Errorf("strategy = %v, want DialEndpoint", h.router.strategy)
	}
	if h.router.call.CallSID != "CA1" || h.router.call.To != "+15559870000" {
		t.Errorf("unexpected routed call %+v", h.router.call)
	}

	var verbs []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &verbs); err != nil {
		t.Fatalf("expected a bare verb array: %v", err)
	}
	if len(verbs) != 2 || verbs[0]["verb"] != "answer" || verbs[1]["verb"] != "dial" {
		t.Fatalf("unexpected verbs %+v", verbs)
	}
	if verbs[1]["callerId"] != "+15551230000" || verbs[1]["answerOnBridge"] != true {
		t.Errorf("unexpected dial %+v", verbs[1])
	}
	target := verbs[1]["target"].([]any)[0].(map[string]any)
	if target["type"] != "sip" || target["sipUri"] != "sip:bridge-1@sip.example.com" {
		t.Errorf("unexpected target %+v", target)
	}
}

func TestRetellAI_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{
			name:       "registration failed",
			body:       `{"call_sid":"CA1","from":"a","to":"b"}`,
			err:        fmt.Errorf("routing call CA1: %w", &retell.RegistrationError{StatusCode: 500, Detail: "upstream error"}),
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "other routing error",
			body:       `{"call_sid":"CA1","from":"a","to":"b"}`,
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "missing call sid",
			body:       `{"from":"a","to":"b"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty body",
			body:       ``,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.router.err = tt.err

			rr := h.do(postJSON("/retellai", tt.body))
			if rr.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestAgentEvent(t *testing.T) {
	h := newHarness(t)

	rr := h.do(postJSON("/agent-events", `{"event":"call_ended","call":{"call_id":"bridge-1","call_status":"ended","metadata":{"call_sid":"CA1"}}}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	logs := h.logs.String()
	if !strings.Contains(logs, `"msg":"agent event"`) || !strings.Contains(logs, `"bridge_id":"bridge-1"`) {
		t.Errorf("expected agent event log, got %s", logs)
	}
}

func TestInboundWebhook(t *testing.T) {
	h := newHarness(t, "--dynamic-variables", "tier=gold,region=eu")

	rr := h.do(postJSON("/inbound-webhook", `{"event":"call_inbound","call_inbound":{"agent_id":"agent_123","from_number":"+15551230000","to_number":"+15559870000"}}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var resp inboundWebhookResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	vars := resp.CallInbound.DynamicVariables
	if vars["tier"] != "gold" || vars["region"] != "eu" {
		t.Errorf("unexpected dynamic variables %v", vars)
	}
	if resp.CallInbound.Metadata["from_number"] != "+15551230000" {
		t.Errorf("unexpected metadata %v", resp.CallInbound.Metadata)
	}
}

func TestListCalls_DisabledWithoutSecret(t *testing.T) {
	h := newHarness(t)
	rr := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/calls", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestListCalls(t *testing.T) {
	h := newHarness(t, "--api-secret", hex.EncodeToString(testSecret))
	h.calls.Put("CA1", "bridge-1")

	rr := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/calls", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	token, _, err := middleware.GenerateAPIToken(testSecret, "ops", []string{middleware.ScopeCallsRead}, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/calls", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = h.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var env struct {
		Data []calls.Entry `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(env.Data) != 1 || env.Data[0].CallSID != "CA1" || env.Data[0].BridgeID != "bridge-1" {
		t.Errorf("unexpected calls %+v", env.Data)
	}
}

func TestWebhookRateLimit(t *testing.T) {
	h := newHarness(t, "--rate-limit", "1")

	var last int
	for i := 0; i < 3; i++ {
		last = h.do(postJSON("/agent-events", `{"event":"call_started"}`)).Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", last)
	}

	// Health is not rate limited.
	for i := 0; i < 3; i++ {
		if code := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)).Code; code != http.StatusOK {
			t.Fatalf("expected 200 from health, got %d", code)
		}
	}
}

func TestMetricsMounted(t *testing.T) {
	h := newHarness(t)
	rr := h.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "agentbridge_uptime_seconds") {
		t.Errorf("unexpected metrics response %d: %s", rr.Code, rr.Body.String())
	}
}

func TestNotFound(t *testing.T) {
	h := newHarness(t)
	rr := h.do(httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"error":"not found"`) {
		t.Errorf("expected json error envelope, got %s", rr.Body.String())
	}
}
