package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"casebook/api/internal/auth"
	"casebook/api/internal/presence"
	"casebook/api/internal/store"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 1 << 20

type HTTPServer struct {
	service       *Service
	authenticator auth.Authenticator
	presence      http.Handler
	metrics       http.Handler
	httpMetrics   *Metrics
	corsOrigin    string
}

type HTTPOptions struct {
	// Presence serves /ws/presence; omitted when nil.
	Presence http.Handler
	// Metrics serves /metrics; omitted when nil.
	Metrics     http.Handler
	HTTPMetrics *Metrics
	CORSOrigin  string
}

func NewHTTPServer(service *Service, authenticator auth.Authenticator, opts HTTPOptions) *HTTPServer {
	return &HTTPServer{
		service:       service,
		authenticator: authenticator,
		presence:      opts.Presence,
		metrics:       opts.Metrics,
		httpMetrics:   opts.HTTPMetrics,
		corsOrigin:    opts.CORSOrigin,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.withMiddleware)
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/session", s.handleSession).Methods(http.MethodGet)

	r.HandleFunc("/api/projects", s.authed(s.handleListProjects)).Methods(http.MethodGet)
	r.HandleFunc("/api/projects", s.authed(s.handleCreateProject)).Methods(http.MethodPost)
	r.HandleFunc("/api/projects/{projectId:[0-9]+}/cases", s.authed(s.handleListCases)).Methods(http.MethodGet)
	r.HandleFunc("/api/projects/{projectId:[0-9]+}/cases", s.authed(s.handleCreateCase)).Methods(http.MethodPost)
	r.HandleFunc("/api/projects/{projectId:[0-9]+}/reports", s.authed(s.handleListReports)).Methods(http.MethodGet)
	r.HandleFunc("/api/projects/{projectId:[0-9]+}/reports", s.authed(s.handleCreateReport)).Methods(http.MethodPost)
	r.HandleFunc("/api/reports/{reportId:[0-9]+}", s.authed(s.handleGetReport)).Methods(http.MethodGet)
	r.HandleFunc("/api/reports/{reportId:[0-9]+}", s.authed(s.handleSaveReport)).Methods(http.MethodPut)
	r.HandleFunc("/api/reports/{reportId:[0-9]+}/editors", s.authed(s.handleEditors)).Methods(http.MethodGet)
	r.HandleFunc("/api/presence/stop-editing", s.authed(s.handleStopEditing)).Methods(http.MethodPost)

	if s.presence != nil {
		r.Handle("/ws/presence", s.presence).Methods(http.MethodGet)
	}
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	r.NotFoundHandler = s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}))
	r.MethodNotAllowedHandler = s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}))
	return r
}

type identityHandler func(w http.ResponseWriter, r *http.Request, caller auth.Identity)

// authed resolves the caller before running next; unauthenticated requests
// get 401 and authenticator outages get 503.
func (s *HTTPServer) authed(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := s.requireIdentity(w, r)
		if !ok {
			return
		}
		next(w, r, caller)
	}
}

func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	caller, err := s.authenticator.Authenticate(r)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return auth.Identity{}, false
		}
		log.Error().Err(err).Str("request_id", requestID(r.Context())).Msg("authentication backend failed")
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication unavailable", nil)
		return auth.Identity{}, false
	}
	return caller, true
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	results, err := s.service.Ping(ctx)
	checks := make(map[string]any, len(results))
	for name, checkErr := range results {
		if checkErr != nil {
			checks[name] = map[string]any{"status": "error", "error": checkErr.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	status, statusCode := "ready", http.StatusOK
	if err != nil {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     err == nil,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	caller, err := s.authenticator.Authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        caller.UserID,
		"userName":      caller.Username,
		"role":          caller.Role,
	})
}

func (s *HTTPServer) handleListProjects(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	projects, err := s.service.ListProjects(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]projectView, 0, len(projects))
	for _, p := range projects {
		out = append(out, toProjectView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func (s *HTTPServer) handleCreateProject(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	var body CreateProjectInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	project, err := s.service.CreateProject(r.Context(), caller, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"project": toProjectView(project)})
}

func (s *HTTPServer) handleListCases(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	projectID, ok := pathID(w, r, "projectId")
	if !ok {
		return
	}
	cases, err := s.service.ListCases(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]caseView, 0, len(cases))
	for _, c := range cases {
		out = append(out, toCaseView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": out})
}

func (s *HTTPServer) handleCreateCase(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	projectID, ok := pathID(w, r, "projectId")
	if !ok {
		return
	}
	var body CreateCaseInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.CreateCase(r.Context(), caller, projectID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"case": toCaseView(item)})
}

func (s *HTTPServer) handleListReports(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	projectID, ok := pathID(w, r, "projectId")
	if !ok {
		return
	}
	reports, err := s.service.ListReports(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]reportView, 0, len(reports))
	for _, rep := range reports {
		out = append(out, toReportView(rep))
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": out})
}

func (s *HTTPServer) handleCreateReport(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	projectID, ok := pathID(w, r, "projectId")
	if !ok {
		return
	}
	var body CreateReportInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	report, err := s.service.CreateReport(r.Context(), caller, projectID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"report": toReportView(report)})
}

func (s *HTTPServer) handleGetReport(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	reportID, ok := pathID(w, r, "reportId")
	if !ok {
		return
	}
	report, err := s.service.GetReport(r.Context(), reportID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": toReportView(report)})
}

func (s *HTTPServer) handleSaveReport(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	reportID, ok := pathID(w, r, "reportId")
	if !ok {
		return
	}
	var body SaveReportInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.SaveReport(r.Context(), caller, reportID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if conflict := result.Conflict; conflict != nil {
		log.Info().
			Str("request_id", requestID(r.Context())).
			Int64("report_id", conflict.ReportID).
			Int64("expected_version", conflict.ExpectedVersion).
			Int64("current_version", conflict.CurrentVersion).
			Msg("report save rejected: version conflict")
		writeError(w, http.StatusConflict, "VERSION_CONFLICT",
			"The report was changed by someone else. Reload before saving again.",
			map[string]any{
				"expectedVersion": conflict.ExpectedVersion,
				"currentVersion":  conflict.CurrentVersion,
			})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": toReportView(*result.Report)})
}

func (s *HTTPServer) handleEditors(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	reportID, ok := pathID(w, r, "reportId")
	if !ok {
		return
	}
	sessions := s.service.Editors(reportID)
	users := make([]presence.Editor, 0, len(sessions))
	for _, e := range sessions {
		users = append(users, presence.Editor{
			UserID:       e.UserID,
			Username:     e.Username,
			StartTime:    e.StartTime,
			LastActivity: e.LastActivity,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"reportId": reportID, "users": users})
}

// handleStopEditing backs navigator.sendBeacon on page unload, which sends
// text/plain, so the body is parsed regardless of Content-Type.
func (s *HTTPServer) handleStopEditing(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid body", nil)
		return
	}
	msg, err := presence.DecodeInbound(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	stop, ok := msg.(presence.StopEditing)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be stop_editing", nil)
		return
	}
	removed := s.service.StopEditing(caller, int64(stop.ReportID))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": removed})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", requestID(r.Context())).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_ID", fmt.Sprintf("%s must be a positive integer", name), nil)
		return 0, false
	}
	return id, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(started)
		s.httpMetrics.observeRequest(route, r.Method, strconv.Itoa(writer.status), elapsed.Seconds())
		log.Info().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the presence websocket upgrade through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrUnauthenticated) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
