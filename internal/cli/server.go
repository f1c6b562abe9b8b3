package cli

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/KafClaw/agentcore/internal/agent"
	"github.com/KafClaw/agentcore/internal/approval"
	"github.com/KafClaw/agentcore/internal/provider"
	"github.com/KafClaw/agentcore/internal/timeline"
)

// apiServer is the gateway's HTTP surface.
type apiServer struct {
	rt        *runtime
	authToken string
}

func newAPIServer(rt *runtime) *apiServer {
	return &apiServer{rt: rt, authToken: rt.cfg.Gateway.AuthToken}
}

func (s *apiServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	mux.Handle("GET /metrics", s.rt.metrics.Handler())

	mux.HandleFunc("GET /api/v1/status", s.auth(s.handleStatus))
	mux.HandleFunc("POST /api/v1/tasks", s.auth(s.handleSubmitTask))
	mux.HandleFunc("GET /api/v1/runs", s.auth(s.handleListRuns))
	mux.HandleFunc("GET /api/v1/runs/{id}", s.auth(s.handleGetRun))
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", s.auth(s.handleCancelRun))
	mux.HandleFunc("GET /api/v1/approvals", s.auth(s.handleListApprovals))
	mux.HandleFunc("POST /api/v1/approvals/{id}", s.auth(s.handleResolveApproval))
	return mux
}

func (s *apiServer) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" && !bearerMatches(r.Header.Get("Authorization"), s.authToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// bearerMatches compares the presented token in constant time.
func bearerMatches(header, want string) bool {
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.loop.Status(r.Context()))
}

// ndjsonSink writes each event as one JSON line and flushes it.
type ndjsonSink struct {
	mu  sync.Mutex
	enc *json.Encoder
	fl  http.Flusher
}

func newNDJSONSink(w http.ResponseWriter) *ndjsonSink {
	fl, _ := w.(http.Flusher)
	return &ndjsonSink{enc: json.NewEncoder(w), fl: fl}
}

func (n *ndjsonSink) Emit(_ context.Context, ev agent.Event) error {
	return n.write(ev)
}

func (n *ndjsonSink) write(v any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enc.Encode(v); err != nil {
		return err
	}
	if n.fl != nil {
		n.fl.Flush()
	}
	return nil
}

// replyLine is the last NDJSON line of a task stream.
type replyLine struct {
	Type string `json:"type"`
	*replyBody
}

type replyBody struct {
	Kind    string          `json:"kind"`
	Reason  string          `json:"reason"`
	Content string          `json:"content"`
	RunID   string          `json:"runId,omitempty"`
	Status  agent.RunStatus `json:"status,omitempty"`
	Turns   int             `json:"turns,omitempty"`
	Error   *agent.RunError `json:"error,omitempty"`
	Usage   *provider.Usage `json:"usage,omitempty"`
}

// handleSubmitTask runs a submission. By default the response is an NDJSON
// stream of run events followed by a {"type":"reply"} line; ?stream=false
// returns only the reply object.
func (s *apiServer) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var sub agent.TaskSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid submission: "+err.Error())
		return
	}
	if strings.TrimSpace(sub.Task) == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	if sub.Source == "" {
		sub.Source = "http"
	}
	if sub.Route.Channel == "" {
		sub.Route.Channel = "http"
	}
	if sub.Route.TraceID == "" {
		sub.Route.TraceID = uuid.NewString()
	}

	stream := r.URL.Query().Get("stream") != "false"
	var sink *ndjsonSink
	if stream {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("X-Trace-Id", sub.Route.TraceID)
		w.WriteHeader(http.StatusOK)
		sink = newNDJSONSink(w)
	}

	var evSink agent.EventSink
	if sink != nil {
		evSink = sink
	}
	reply, err := s.rt.router.Dispatch(r.Context(), sub, evSink)
	if err != nil {
		if sink != nil {
			_ = sink.write(map[string]string{"type": "error", "error": err.Error()})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	body := &replyBody{
		Kind:    string(reply.Classification.Kind),
		Reason:  reply.Classification.Reason,
		Content: reply.Content,
		RunID:   reply.RunID,
		Status:  reply.Status,
	}
	if res := reply.Result; res != nil {
		body.Turns = res.Turns
		body.Error = res.Error
		body.Usage = &res.Usage
	}
	if sink != nil {
		if err := sink.write(replyLine{Type: "reply", replyBody: body}); err != nil {
			slog.Debug("Task stream closed", "run", reply.RunID, "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *apiServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("live") == "true" {
		writeJSON(w, http.StatusOK, s.rt.loop.Runs())
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	runs, err := s.rt.timeline.ListRuns(timeline.RunFilter{
		Status:      q.Get("status"),
		ParentRunID: q.Get("parent"),
		Limit:       limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *apiServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.rt.timeline.GetRun(id)
	if errors.Is(err, timeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	events, err := s.rt.timeline.ListRunEvents(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{"run": rec, "events": events}
	if info, ok := s.rt.loop.GetRun(id); ok {
		resp["live"] = info
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.rt.loop.CancelRun(id) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s is not active", id))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"runId": id, "status": "cancelling"})
}

// handleListApprovals returns live pending requests, or audit rows for
// ?state=approved|denied|expired|all.
func (s *apiServer) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	if state == "" || state == string(approval.StatePending) {
		pending := s.rt.gate.Pending()
		if pending == nil {
			pending = []approval.Request{}
		}
		writeJSON(w, http.StatusOK, pending)
		return
	}
	if state == "all" {
		state = ""
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	recs, err := s.rt.timeline.ListApprovals(state, q.Get("run"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// approvalResponse is the body of POST /api/v1/approvals/{id}.
type approvalResponse struct {
	Approved       bool           `json:"approved"`
	Responder      string         `json:"responder"`
	ModifiedParams map[string]any `json:"modifiedParams,omitempty"`
}

func (s *apiServer) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body approvalResponse
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Responder == "" {
		body.Responder = "http"
	}
	d, err := s.rt.gate.Resolve(id, body.Approved, body.Responder, body.ModifiedParams)
	if errors.Is(err, approval.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no pending approval %s", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusOK
	if d.Approved() != body.Approved {
		// Someone else decided first.
		status = http.StatusConflict
	}
	writeJSON(w, status, d)
}
