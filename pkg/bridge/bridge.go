// Package bridge implements the loopback HTTP server worker
// subprocesses call back into: report results, exchange messages, and
// poll an inbox.
package bridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-fleet/orchestrator/pkg/jobs"
	"github.com/opencode-fleet/orchestrator/pkg/log"
	"github.com/opencode-fleet/orchestrator/pkg/messagebus"
	"github.com/opencode-fleet/orchestrator/pkg/metrics"
	"github.com/opencode-fleet/orchestrator/pkg/registry"
	"github.com/opencode-fleet/orchestrator/pkg/types"
)

// maxBodyBytes bounds JSON request bodies; larger bodies are rejected
// with 413.
const maxBodyBytes = 1 << 20 // 1 MiB

// Server is the orchestrator's loopback bridge.
type Server struct {
	token   string
	memory  *registry.Memory
	jobs    *jobs.Registry
	bus     *messagebus.Bus
	logger  zerolog.Logger
	mux     *http.ServeMux
	httpSrv *http.Server
	admin   AdminDeps
}

// New constructs a Server. token is the bearer token every worker
// subprocess receives via environment and must present on every
// authenticated request.
func New(token string, memory *registry.Memory, jobRegistry *jobs.Registry, bus *messagebus.Bus) *Server {
	s := &Server{
		token:  token,
		memory: memory,
		jobs:   jobRegistry,
		bus:    bus,
		logger: log.WithComponent("bridge"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/report", s.withAuth(s.handleReport))
	mux.HandleFunc("/v1/message", s.withAuth(s.handleMessage))
	mux.HandleFunc("/v1/inbox", s.withAuth(s.handleInbox))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())
	s.mux = mux

	return s
}

// Serve starts the bridge bound to addr (expected to be a loopback
// address with an OS-assigned port, e.g. "127.0.0.1:0").
func (s *Server) Serve(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// ServeListener runs the bridge on a caller-supplied listener, letting
// the caller recover the OS-assigned port (ln.Addr()) before any
// request arrives — needed because every spawned worker must be
// handed the bridge's concrete URL in its environment.
func (s *Server) ServeListener(ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.httpSrv.Serve(ln)
}

// Shutdown gracefully stops the bridge.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the bridge's mux for embedding or testing.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		defer func() { timer.ObserveDurationVec(metrics.BridgeRequestDuration, r.URL.Path) }()

		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) || auth[len(prefix):] != s.token {
			metrics.BridgeRequestsTotal.WithLabelValues(r.URL.Path, "401").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next(w, r)
	}
}

func writeError(w http.ResponseWriter, status int, kind string) {
	writeJSON(w, status, map[string]string{"error": kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody decodes body into v, translating the MaxBytesReader
// overflow error into a 413 rather than a generic 400.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		status := http.StatusBadRequest
		kind := "bad_request"
		if strings.Contains(err.Error(), "http: request body too large") {
			status = http.StatusRequestEntityTooLarge
			kind = "request_too_large"
		}
		metrics.BridgeRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(status)).Inc()
		writeError(w, status, kind)
		return false
	}
	return true
}

type reportBody struct {
	OrchestratorInstanceID string         `json:"orchestratorInstanceId,omitempty"`
	WorkerID               string         `json:"workerId"`
	JobID                  string         `json:"jobId,omitempty"`
	Report                 map[string]any `json:"report,omitempty"`
	Final                  *string        `json:"final,omitempty"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	var body reportBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.WorkerID == "" {
		metrics.BridgeRequestsTotal.WithLabelValues(r.URL.Path, "400").Inc()
		writeError(w, http.StatusBadRequest, "missing_worker_id")
		return
	}

	s.memory.Mutate(body.WorkerID, func(inst *types.Instance) {
		inst.LastActivity = time.Now()
		if body.Report != nil {
			if inst.LastResult == nil {
				inst.LastResult = &types.LastResult{}
			}
			if inst.LastResult.Report == nil {
				inst.LastResult.Report = make(map[string]any, len(body.Report))
			}
			for k, v := range body.Report {
				inst.LastResult.Report[k] = v
			}
		}
		if body.Final != nil {
			if inst.LastResult == nil {
				inst.LastResult = &types.LastResult{}
			}
			inst.LastResult.ResponseText = *body.Final
			inst.LastResult.FinishedAt = time.Now()
		}
	})

	if body.JobID != "" {
		if body.Report != nil {
			_ = s.jobs.AttachReport(body.JobID, body.Report)
		}
		if body.Final != nil {
			_ = s.jobs.Complete(body.JobID, types.JobSucceeded, *body.Final, "")
		}
	}

	metrics.BridgeRequestsTotal.WithLabelValues(r.URL.Path, "200").Inc()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type messageBody struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Topic string `json:"topic,omitempty"`
	Text  string `json:"text"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	var body messageBody
	if !decodeBody(w, r, &body) {
		return
	}

	msg, err := s.bus.Send(body.From, body.To, body.Topic, body.Text)
	if err != nil {
		metrics.BridgeRequestsTotal.WithLabelValues(r.URL.Path, "400").Inc()
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	metrics.BridgeRequestsTotal.WithLabelValues(r.URL.Path, "200").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"id":        msg.ID,
		"createdAt": msg.CreatedAt,
	})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	q := r.URL.Query()
	to := q.Get("to")
	if to == "" {
		metrics.BridgeRequestsTotal.WithLabelValues(r.URL.Path, "400").Inc()
		writeError(w, http.StatusBadRequest, "missing_to")
		return
	}

	after := time.Time{}
	if ms, err := strconv.ParseInt(q.Get("after"), 10, 64); err == nil && ms > 0 {
		after = time.UnixMilli(ms)
	}

	limit := 50
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = n
	}

	messages := s.bus.List(to, after, limit)
	metrics.BridgeRequestsTotal.WithLabelValues(r.URL.Path, "200").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
