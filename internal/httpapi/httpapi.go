// Package httpapi serves the full external interface described in §6:
// alert intake, health/version/metrics, runbook and pattern
// introspection, maintenance control, anomaly visibility, and the
// self-preservation handoff lifecycle.
//
// Grounded on internal/checkin/handler.go's ServeHTTP/writeJSON/
// RegisterRoutes idiom (read body, validate required fields, delegate to
// the owning package, respond JSON), generalized from the donor's single
// checkin endpoint to the full route table below.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/potatorick/jarvis/internal/gateway"
	"github.com/potatorick/jarvis/internal/maintenance"
	"github.com/potatorick/jarvis/internal/metrics"
	"github.com/potatorick/jarvis/internal/models"
	"github.com/potatorick/jarvis/internal/proactive"
	"github.com/potatorick/jarvis/internal/queue"
	"github.com/potatorick/jarvis/internal/runbook"
	"github.com/potatorick/jarvis/internal/selfpreserve"
	"github.com/potatorick/jarvis/internal/store"
)

// Version is overridden at build time via -ldflags, the way the donor's
// own daemon binary stamps its version string.
var Version = "dev"

// Config carries the knobs the HTTP layer itself needs, distinct from
// the Gateway's own Config.
type Config struct {
	BasicAuthUser string
	BasicAuthPass string
}

// Server composes every collaborator a route handler touches directly
// (as opposed to what Gateway already composes internally for /webhook).
type Server struct {
	gw           *gateway.Gateway
	db           *store.DB
	maintenance  *maintenance.Gate
	selfpreserve *selfpreserve.Manager
	proactive    *proactive.Engine
	runbooks     *runbook.Store
	queue        *queue.Queue
	stats        *metrics.Registry
	cfg          Config
	startedAt    time.Time
}

// Deps bundles every collaborator NewServer wires up.
type Deps struct {
	Gateway      *gateway.Gateway
	DB           *store.DB
	Maintenance  *maintenance.Gate
	SelfPreserve *selfpreserve.Manager
	Proactive    *proactive.Engine
	Runbooks     *runbook.Store
	Queue        *queue.Queue
	Stats        *metrics.Registry
}

// NewServer builds a Server and its http.Handler route table.
func NewServer(deps Deps, cfg Config) *Server {
	return &Server{
		gw:           deps.Gateway,
		db:           deps.DB,
		maintenance:  deps.Maintenance,
		selfpreserve: deps.SelfPreserve,
		proactive:    deps.Proactive,
		runbooks:     deps.Runbooks,
		queue:        deps.Queue,
		stats:        deps.Stats,
		cfg:          cfg,
		startedAt:    time.Now(),
	}
}

// Routes builds the ServeMux, wrapping mutating routes in Basic auth.
// /resume is deliberately excluded from that wrapper: it is a
// machine-to-machine orchestrator callback authenticated by the
// handoff's Ed25519 signature, not by the operator's shared password.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /webhook", s.basicAuth(s.handleWebhook))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	if s.stats != nil {
		mux.Handle("GET /metrics", s.stats.Handler())
	}

	mux.HandleFunc("GET /runbooks", s.handleListRunbooks)
	mux.HandleFunc("GET /runbooks/{name}", s.handleGetRunbook)
	mux.Handle("POST /runbooks/reload", s.basicAuth(s.handleReloadRunbooks))

	mux.HandleFunc("GET /patterns", s.handleListPatterns)
	mux.HandleFunc("GET /analytics", s.handleAnalytics)

	mux.Handle("POST /maintenance/start", s.basicAuth(s.handleMaintenanceStart))
	mux.Handle("POST /maintenance/end", s.basicAuth(s.handleMaintenanceEnd))
	mux.HandleFunc("GET /maintenance/status", s.handleMaintenanceStatus)

	mux.HandleFunc("GET /anomalies", s.handleAnomalies)
	mux.HandleFunc("GET /anomalies/history", s.handleAnomalyHistory)
	mux.HandleFunc("GET /anomalies/stats", s.handleAnomalyStats)
	mux.Handle("POST /anomalies/check", s.basicAuth(s.handleAnomalyCheck))

	mux.Handle("POST /self-restart", s.basicAuth(s.handleSelfRestart))
	mux.HandleFunc("GET /self-restart/status", s.handleSelfRestartStatus)
	mux.Handle("POST /self-restart/cancel", s.basicAuth(s.handleSelfRestartCancel))

	mux.HandleFunc("POST /resume", s.handleResume)

	return mux
}

func (s *Server) basicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !constantTimeEq(user, s.cfg.BasicAuthUser) || !constantTimeEq(pass, s.cfg.BasicAuthPass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="jarvis"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func constantTimeEq(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// --- /webhook ---

type webhookEnvelope struct {
	Status string         `json:"status"`
	Alerts []webhookAlert `json:"alerts"`
}

type webhookAlert struct {
	Status      string            `json:"status"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
	EndsAt      *time.Time        `json:"endsAt,omitempty"`
	Fingerprint string            `json:"fingerprint"`
}

func (a webhookAlert) toAlert() *models.Alert {
	return &models.Alert{
		Fingerprint: a.Fingerprint,
		Name:        a.Labels["alertname"],
		Instance:    a.Labels["instance"],
		Severity:    models.Severity(a.Labels["severity"]),
		Labels:      a.Labels,
		Annotations: a.Annotations,
		StartsAt:    a.StartsAt,
		EndsAt:      a.EndsAt,
		Status:      models.AlertStatus(a.Status),
	}
}

type webhookResult struct {
	Fingerprint string `json:"fingerprint"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
}

// handleWebhook implements §6's inbound Alertmanager-shaped intake: one
// envelope carries a batch of alerts, each processed independently so a
// single malformed member doesn't fail the whole batch.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	results := make([]webhookResult, 0, len(env.Alerts))
	for _, wa := range env.Alerts {
		if wa.Fingerprint == "" {
			results = append(results, webhookResult{Error: "fingerprint must be non-empty"})
			continue
		}
		status, err := s.gw.Ingest(r.Context(), wa.toAlert())
		if err != nil {
			log.Printf("[httpapi] ingest failed for %s: %v", wa.Fingerprint, err)
			results = append(results, webhookResult{Fingerprint: wa.Fingerprint, Error: err.Error()})
			continue
		}
		results = append(results, webhookResult{Fingerprint: wa.Fingerprint, Status: string(status)})
	}

	writeJSON(w, http.StatusOK, map[string]any{"processed": len(results), "results": results})
}

// --- /health, /version ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}

	dbOK := true
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			dbOK = false
		}
	}
	resp["db_connected"] = dbOK

	degraded := false
	if s.queue != nil {
		resp["queue_depth"] = s.queue.Depth()
		degraded = s.queue.Degraded()
	}

	maintenanceMode := false
	if s.maintenance != nil {
		if w, err := s.maintenance.Status(r.Context(), "all"); err == nil && w != nil {
			maintenanceMode = true
		}
	}
	resp["maintenance_mode"] = maintenanceMode

	switch {
	case !dbOK:
		resp["status"] = "unhealthy"
	case degraded:
		resp["status"] = "degraded"
	default:
		resp["status"] = "healthy"
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "jarvis",
		"version": Version,
		"runtime": runtime.Version(),
	})
}

// --- runbooks ---

func (s *Server) handleListRunbooks(w http.ResponseWriter, r *http.Request) {
	if s.runbooks == nil {
		writeJSON(w, http.StatusOK, []runbook.Entry{})
		return
	}
	writeJSON(w, http.StatusOK, s.runbooks.List())
}

func (s *Server) handleGetRunbook(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.runbooks == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no runbook store configured"})
		return
	}
	text, ok := s.runbooks.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no runbook for " + name})
		return
	}
	writeJSON(w, http.StatusOK, runbook.Entry{Name: name, Text: text})
}

func (s *Server) handleReloadRunbooks(w http.ResponseWriter, r *http.Request) {
	if s.runbooks == nil {
		writeJSON(w, http.StatusOK, map[string]int{"count": 0})
		return
	}
	if err := s.runbooks.Reload(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": s.runbooks.Count()})
}

// --- patterns / analytics ---

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.db.ListPatterns(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, patterns)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			window = d
		}
	}
	a, err := s.db.Analytics(r.Context(), window)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- maintenance ---

type maintenanceRequest struct {
	Host   string `json:"host"`
	Reason string `json:"reason"`
}

func (s *Server) handleMaintenanceStart(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Host == "" {
		req.Host = "all"
	}
	if err := s.maintenance.Start(r.Context(), req.Host, req.Reason); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"host": req.Host, "status": "started"})
}

func (s *Server) handleMaintenanceEnd(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Host == "" {
		req.Host = "all"
	}
	if err := s.maintenance.End(r.Context(), req.Host); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"host": req.Host, "status": "ended"})
}

func (s *Server) handleMaintenanceStatus(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if host == "" {
		host = "all"
	}
	win, err := s.maintenance.Status(r.Context(), host)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if win == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, win)
}

// --- anomalies ---

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if s.proactive == nil {
		writeJSON(w, http.StatusOK, map[string]any{"streaks": map[string]int{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"streaks": s.proactive.CurrentStreaks()})
}

func (s *Server) handleAnomalyHistory(w http.ResponseWriter, r *http.Request) {
	n := 0
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			n = parsed
		}
	}
	if s.proactive == nil {
		writeJSON(w, http.StatusOK, []proactive.Record{})
		return
	}
	writeJSON(w, http.StatusOK, s.proactive.History(n))
}

func (s *Server) handleAnomalyStats(w http.ResponseWriter, r *http.Request) {
	if s.proactive == nil {
		writeJSON(w, http.StatusOK, proactive.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.proactive.Stats())
}

func (s *Server) handleAnomalyCheck(w http.ResponseWriter, r *http.Request) {
	if s.proactive == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no proactive engine configured"})
		return
	}
	s.proactive.CheckProactive(r.Context())
	s.proactive.CheckAnomalies(r.Context())
	writeJSON(w, http.StatusOK, s.proactive.Stats())
}

// --- self-restart / resume ---

type selfRestartRequest struct {
	Target  models.HandoffTarget       `json:"target"`
	Reason  string                     `json:"reason"`
	Context *models.RemediationContext `json:"context"`
}

func (s *Server) handleSelfRestart(w http.ResponseWriter, r *http.Request) {
	var req selfRestartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Context == nil {
		req.Context = &models.RemediationContext{}
	}
	h, err := s.selfpreserve.RequestHandoff(r.Context(), selfpreserve.RestartRequest{
		Target:  req.Target,
		Reason:  req.Reason,
		Context: req.Context,
	})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleSelfRestartStatus(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target is required"})
		return
	}
	h, err := s.db.ActiveHandoffForTarget(r.Context(), models.HandoffTarget(target))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if h == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type cancelRequest struct {
	HandoffID string `json:"handoff_id"`
}

func (s *Server) handleSelfRestartCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h, err := s.selfpreserve.Cancel(r.Context(), req.HandoffID)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type resumeRequest struct {
	HandoffID string `json:"handoff_id"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// handleResume verifies the orchestrator's callback before letting Resume
// touch anything: the nonce must be fresh, and the signature must match
// the serialized context this process signed when it requested the
// handoff in the first place.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.selfpreserve.CheckAndRecordNonce(req.Nonce); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	if err := s.selfpreserve.VerifyResumeRequest(r.Context(), req.HandoffID, req.Nonce, req.Signature); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	rc, err := s.selfpreserve.Resume(r.Context(), req.HandoffID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

// --- helpers ---

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
