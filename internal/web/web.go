package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"agentcal/internal/availability"
	"agentcal/internal/config"
	"agentcal/internal/ingest"
	appLog "agentcal/internal/log"
	"agentcal/internal/model"
	"agentcal/internal/store"
	"agentcal/internal/syncer"
	"agentcal/internal/utilization"
)

// SlotFinder answers availability questions.
type SlotFinder interface {
	Search(ctx context.Context, q availability.Query) ([]model.SlotCandidate, error)
	Check(ctx context.Context, clientID, agentID string, start time.Time, durationMinutes int, wh *availability.WorkingHours) (*availability.Check, error)
}

// Reporter produces utilization records.
type Reporter interface {
	Report(ctx context.Context, clientID, agentID string, windowStart time.Time, days int) ([]model.UtilizationRecord, error)
}

// Syncer runs an on-demand feed merge.
type Syncer interface {
	SyncNow(ctx context.Context, clientID, agentID string) (*ingest.Result, error)
}

// Deps are the components the HTTP surface calls into. Events and Syncer may
// be nil, in which case their routes answer 503.
type Deps struct {
	Slots        SlotFinder
	Reports      Reporter
	Events       store.Reader
	Syncer       Syncer
	WorkingHours *availability.WorkingHours
}

// maxReportDays bounds a single utilization request.
const maxReportDays = 366

// Server provides the HTTP API for availability, utilization and manual sync.
type Server struct {
	cfg  *config.Config
	deps Deps
	mux  *http.ServeMux
	now  func() time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mux:  http.NewServeMux(),
		now:  time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="agentcal", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/agents/{client}/{agent}/availability", s.handleAvailability)
	s.mux.HandleFunc("GET /api/agents/{client}/{agent}/slots", s.handleSlots)
	s.mux.HandleFunc("GET /api/agents/{client}/{agent}/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/agents/{client}/{agent}/utilization", s.handleUtilization)
	s.mux.HandleFunc("POST /api/agents/{client}/{agent}/sync", s.handleSync)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleAvailability checks one requested slot.
//
// GET /api/agents/{client}/{agent}/availability?start=...&duration=30
func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	clientID, agentID := r.PathValue("client"), r.PathValue("agent")
	q := r.URL.Query()

	if q.Get("start") == "" {
		writeError(w, http.StatusBadRequest, "start is required")
		return
	}
	start, err := parseTime(q.Get("start"), time.Time{})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	duration, err := parseIntDefault(q.Get("duration"), s.cfg.Search.DefaultDuration)
	if err != nil || duration <= 0 {
		writeError(w, http.StatusBadRequest, "duration must be a positive integer")
		return
	}

	res, err := s.deps.Slots.Check(r.Context(), clientID, agentID, start, duration, s.deps.WorkingHours)
	if err != nil {
		s.writeDomainError(w, "availability check", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// slotsResponse is the JSON response shape for the slots endpoint.
type slotsResponse struct {
	ClientID string                `json:"client_id"`
	AgentID  string                `json:"agent_id"`
	Start    time.Time             `json:"start"`
	End      time.Time             `json:"end"`
	Slots    []model.SlotCandidate `json:"slots"`
}

// handleSlots runs an escalating slot search.
//
// GET /api/agents/{client}/{agent}/slots?start=&end=&duration=&limit=
//   - start:    defaults to now
//   - end:      defaults to start + 1 day
//   - duration: minutes, defaults to search.default_duration
//   - limit:    defaults to search.default_limit
func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	clientID, agentID := r.PathValue("client"), r.PathValue("agent")
	q := r.URL.Query()

	start, err := parseTime(q.Get("start"), s.now().UTC().Truncate(time.Minute))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end, err := parseTime(q.Get("end"), start.Add(24*time.Hour))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	if !end.After(start) {
		writeError(w, http.StatusBadRequest, "end must be after start")
		return
	}
	duration, err := parseIntDefault(q.Get("duration"), s.cfg.Search.DefaultDuration)
	if err != nil || duration <= 0 {
		writeError(w, http.StatusBadRequest, "duration must be a positive integer")
		return
	}
	limit, err := parseIntDefault(q.Get("limit"), s.cfg.Search.DefaultLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	appLog.Debug("api slots request",
		"client_id", clientID,
		"agent_id", agentID,
		"start", start,
		"end", end,
		"duration", duration,
		"limit", limit,
	)

	slots, err := s.deps.Slots.Search(r.Context(), availability.Query{
		ClientID:        clientID,
		AgentID:         agentID,
		Start:           start,
		End:             end,
		DurationMinutes: duration,
		Limit:           limit,
		WorkingHours:    s.deps.WorkingHours,
	})
	if err != nil {
		s.writeDomainError(w, "slot search", err)
		return
	}
	writeJSON(w, http.StatusOK, slotsResponse{
		ClientID: clientID,
		AgentID:  agentID,
		Start:    start,
		End:      end,
		Slots:    slots,
	})
}

// eventsResponse is the JSON response shape for the events endpoint.
type eventsResponse struct {
	ClientID  string                `json:"client_id"`
	AgentID   string                `json:"agent_id"`
	Start     time.Time             `json:"start"`
	End       time.Time             `json:"end"`
	Events    []*model.BusyInterval `json:"events"`
	Truncated bool                  `json:"truncated"`
}

// handleEvents lists the stored busy intervals overlapping a window.
//
// GET /api/agents/{client}/{agent}/events?start=&end=
//   - start: defaults to now
//   - end:   defaults to start + 1 day
//
// At most store.QueryLimit intervals are returned; truncated is set when the
// cap was reached.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	clientID, agentID := r.PathValue("client"), r.PathValue("agent")
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	q := r.URL.Query()

	start, err := parseTime(q.Get("start"), s.now().UTC().Truncate(time.Minute))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end, err := parseTime(q.Get("end"), start.Add(24*time.Hour))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	if !end.After(start) {
		writeError(w, http.StatusBadRequest, "end must be after start")
		return
	}

	events, err := s.deps.Events.QueryOverlapping(r.Context(), clientID, agentID, start, end)
	if err != nil {
		appLog.Error("api events failed", err, "client_id", clientID, "agent_id", agentID)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if events == nil {
		events = []*model.BusyInterval{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{
		ClientID:  clientID,
		AgentID:   agentID,
		Start:     start,
		End:       end,
		Events:    events,
		Truncated: len(events) >= store.QueryLimit,
	})
}

// handleUtilization reports busy time per 24-hour window.
//
// GET /api/agents/{client}/{agent}/utilization?start=2024-03-01&days=7
func (s *Server) handleUtilization(w http.ResponseWriter, r *http.Request) {
	clientID, agentID := r.PathValue("client"), r.PathValue("agent")
	q := r.URL.Query()

	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	start, err := parseTime(q.Get("start"), today)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	days, err := parseIntDefault(q.Get("days"), 1)
	if err != nil || days <= 0 || days > maxReportDays {
		writeError(w, http.StatusBadRequest, "days must be between 1 and "+strconv.Itoa(maxReportDays))
		return
	}

	records, err := s.deps.Reports.Report(r.Context(), clientID, agentID, start, days)
	if err != nil {
		s.writeDomainError(w, "utilization", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id": clientID,
		"agent_id":  agentID,
		"records":   records,
	})
}

// syncResponse is the JSON response shape for a manual sync.
type syncResponse struct {
	ClientID    string `json:"client_id"`
	AgentID     string `json:"agent_id"`
	EventsFound int    `json:"events_found"`
	Inserted    int    `json:"inserted"`
	Updated     int    `json:"updated"`
	Unchanged   int    `json:"unchanged"`
	Deleted     int64  `json:"deleted"`
	DurationMs  int64  `json:"duration_ms"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	clientID, agentID := r.PathValue("client"), r.PathValue("agent")
	if s.deps.Syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "sync is not enabled")
		return
	}

	res, err := s.deps.Syncer.SyncNow(r.Context(), clientID, agentID)
	if err != nil {
		s.writeDomainError(w, "manual sync", err)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{
		ClientID:    clientID,
		AgentID:     agentID,
		EventsFound: res.EventsFound,
		Inserted:    res.Inserted,
		Updated:     res.Updated,
		Unchanged:   res.Unchanged,
		Deleted:     res.Deleted,
		DurationMs:  res.Duration.Milliseconds(),
	})
}

// writeDomainError maps component errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, op string, err error) {
	var ie *ingest.IngestError
	switch {
	case errors.Is(err, availability.ErrInvalidQuery), errors.Is(err, utilization.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, syncer.ErrUnknownTarget):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, availability.ErrStoreUnavailable), errors.Is(err, utilization.ErrStoreUnavailable):
		appLog.Error("api "+op+" failed", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	case errors.As(err, &ie):
		appLog.Warn("api "+op+" rejected feed", "kind", ie.Kind.String(), "err", ie.Err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		appLog.Error("api "+op+" failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// parseTime accepts RFC 3339 timestamps or a bare YYYY-MM-DD (UTC midnight).
func parseTime(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, errors.New("expected RFC 3339 or YYYY-MM-DD")
	}
	return t, nil
}

func parseIntDefault(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
