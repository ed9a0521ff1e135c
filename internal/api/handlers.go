package api

import (
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/flowpbx/agentbridge/internal/jambonz"
	"github.com/flowpbx/agentbridge/internal/retell"
	"github.com/flowpbx/agentbridge/internal/routing"
)

var successPage = template.Must(template.New("success").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>agentbridge</title>
<style>body{font-family:sans-serif;margin:2rem}code{background:#eee;padding:0 .3rem}</style>
</head>
<body>
<h1>agentbridge is running</h1>
<p>Use the following URLs when setting up the jambonz application:</p>
<ul>
<li>Calling webhook: <code>wss://{{.Host}}/retell</code></li>
<li>Call status webhook: <code>https://{{.Host}}/call-status</code></li>
</ul>
</body>
</html>
`))

// handleSuccessPage shows the webhook URLs to configure on the control plane.
func (s *Server) handleSuccessPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := successPage.Execute(w, struct{ Host string }{r.Host}); err != nil {
		s.logger.Error("failed to render success page", "error", err)
	}
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCallStatus receives call progress from the control plane and drops
// completed calls from the registry. Bodies may be JSON or form encoded.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	var status jambonz.CallStatus
	if isForm(r) {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "malformed form body")
			return
		}
		status.CallSID = r.PostForm.Get("call_sid")
		status.CallStatus = r.PostForm.Get("call_status")
		status.Direction = r.PostForm.Get("direction")
		status.From = r.PostForm.Get("from")
		status.To = r.PostForm.Get("to")
		if v := r.PostForm.Get("sip_status"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				s.logger.Debug("ignoring malformed sip_status", "sip_status", v, "error", err)
			}
			status.SIPStatus = n
		}
	} else if errMsg := readJSON(r, &status); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	s.logger.Info("call status",
		"call_sid", status.CallSID,
		"call_status", status.CallStatus,
		"sip_status", status.SIPStatus,
	)

	if status.CallStatus == jambonz.CallStatusCompleted && status.CallSID != "" {
		bridgeID, _ := s.deps.Calls.Remove(status.CallSID)
		s.logger.Info("call completed",
			"call_sid", status.CallSID,
			"bridge_id", bridgeID,
			"calls_in_progress", s.deps.Calls.Size(),
		)
	}

	w.WriteHeader(http.StatusOK)
}

// handleRetellAI is the HTTP webhook variant of call routing. The call is
// always registered with the agent backend and bridged to its SIP endpoint.
func (s *Server) handleRetellAI(w http.ResponseWriter, r *http.Request) {
	var info jambonz.CallInfo
	if errMsg := readJSON(r, &info); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if info.CallSID == "" {
		writeError(w, http.StatusBadRequest, "call_sid is required")
		return
	}

	call := routing.CallFromInfo(info)
	plan, err := s.deps.Router.RouteWith(r.Context(), routing.DialEndpoint, call)
	if err != nil {
		s.logger.Error("call routing failed", "call_sid", call.CallSID, "error", err)
		if errors.Is(err, retell.ErrRegistrationFailed) {
			writeError(w, http.StatusServiceUnavailable, "call registration failed")
			return
		}
		writeError(w, http.StatusInternalServerError, "call routing failed")
		return
	}

	writeVerbs(w,
		jambonz.NewAnswer(),
		jambonz.NewDial(call.From, true, "", plan.Target),
	)
}

// agentEvent is the subset of an agent backend event we log.
type agentEvent struct {
	Event string `json:"event"`
	Call  struct {
		CallID     string `json:"call_id"`
		CallStatus string `json:"call_status"`
		Metadata   struct {
			CallSID string `json:"call_sid"`
		} `json:"metadata"`
	} `json:"call"`
}

// handleAgentEvent logs lifecycle events posted by the agent backend.
func (s *Server) handleAgentEvent(w http.ResponseWriter, r *http.Request) {
	var ev agentEvent
	if errMsg := readJSON(r, &ev); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	s.logger.Info("agent event",
		"event", ev.Event,
		"bridge_id", ev.Call.CallID,
		"call_status", ev.Call.CallStatus,
		"call_sid", ev.Call.Metadata.CallSID,
	)
	w.WriteHeader(http.StatusOK)
}

type inboundWebhookRequest struct {
	Event       string `json:"event"`
	CallInbound struct {
		AgentID    string `json:"agent_id"`
		FromNumber string `json:"from_number"`
		ToNumber   string `json:"to_number"`
	} `json:"call_inbound"`
}

type inboundWebhookResponse struct {
	CallInbound struct {
		DynamicVariables map[string]string `json:"dynamic_variables"`
		Metadata         map[string]string `json:"metadata"`
	} `json:"call_inbound"`
}

// handleInboundWebhook answers the agent backend's inbound call webhook with
// the configured dynamic variables.
func (s *Server) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	var req inboundWebhookRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	s.logger.Info("inbound webhook",
		"event", req.Event,
		"from", req.CallInbound.FromNumber,
		"to", req.CallInbound.ToNumber,
	)

	var resp inboundWebhookResponse
	resp.CallInbound.DynamicVariables = s.cfg.DynamicVariableMap()
	resp.CallInbound.Metadata = map[string]string{
		"from_number": req.CallInbound.FromNumber,
		"to_number":   req.CallInbound.ToNumber,
	}
	writeRaw(w, http.StatusOK, resp)
}

// handleListCalls returns the calls registered with the agent backend that
// have not completed yet.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Calls.Snapshot())
}

func isForm(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "application/x-www-form-urlencoded")
}
