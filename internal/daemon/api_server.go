package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vectorflow/internal/api"
	"vectorflow/internal/events"
	"vectorflow/internal/history"
	"vectorflow/internal/job"
	"vectorflow/internal/ledger"
	"vectorflow/internal/logging"
	"vectorflow/internal/services"
)

const (
	maxRequestBody     = 20 << 20
	defaultHistorySize = 50
	defaultEventLimit  = 200
	eventFollowTimeout = 25 * time.Second
	requestIDHeader    = "X-Request-ID"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(bind, token string, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(bind),
		logger: logger,
		daemon: d,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs", srv.requireToken(token, srv.handleSubmit))
	mux.HandleFunc("GET /api/jobs", srv.requireToken(token, srv.handleHistory))
	mux.HandleFunc("GET /api/jobs/{id}", srv.requireToken(token, srv.handleGet))
	mux.HandleFunc("DELETE /api/jobs/{id}", srv.requireToken(token, srv.handleCancel))
	mux.HandleFunc("POST /api/jobs/{id}/retry", srv.requireToken(token, srv.handleRetry))
	mux.HandleFunc("GET /api/status", srv.requireToken(token, srv.handleStatus))
	mux.HandleFunc("GET /api/events", srv.requireToken(token, srv.handleEvents))
	mux.HandleFunc("GET /metrics", srv.requireToken(token, srv.handleMetrics))
	srv.handler = srv.withRequestID(mux)
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func (s *apiServer) address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := services.WithRequestID(r.Context(), id)
		s.log().Debug("api request",
			logging.String(logging.FieldCorrelationID, id),
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var spec api.SubmitRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&spec); err != nil {
		s.writeError(w, http.StatusBadRequest, "decode job: "+err.Error())
		return
	}
	created, err := s.daemon.Submit(r.Context(), spec)
	if err != nil {
		var invalid *job.InvalidJobError
		if errors.As(err, &invalid) {
			s.writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: invalid.Error(), Field: invalid.Field})
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, api.JobResponse{Job: created, Location: string(ledger.LocationQueued)})
}

func (s *apiServer) handleGet(w http.ResponseWriter, r *http.Request) {
	j, loc, err := s.daemon.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobResponse{Job: j, Location: string(loc)})
}

func (s *apiServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req api.CancelRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "decode cancel request: "+err.Error())
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled by request"
	}
	id := r.PathValue("id")
	loc, err := s.daemon.Cancel(r.Context(), id, reason)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.CancelResponse{JobID: id, Location: string(loc)})
}

func (s *apiServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	fresh, err := s.daemon.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.JobResponse{Job: fresh, Location: string(ledger.LocationQueued)})
}

func (s *apiServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := history.Filter{
		OwnerID: strings.TrimSpace(query.Get("owner")),
		Limit:   defaultHistorySize,
	}
	for _, raw := range query["state"] {
		for _, value := range strings.Split(raw, ",") {
			state := job.State(strings.ToLower(strings.TrimSpace(value)))
			if !state.IsTerminal() {
				s.writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "state must be succeeded, failed, or cancelled", Field: "state"})
				return
			}
			filter.States = append(filter.States, state)
		}
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			s.writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "limit must be a positive integer", Field: "limit"})
			return
		}
		filter.Limit = limit
	}
	jobs, err := s.daemon.History(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: jobs})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	since, _ := strconv.ParseUint(query.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = defaultEventLimit
	}
	follow := query.Get("follow") == "1" || strings.EqualFold(query.Get("follow"), "true")

	ctx := r.Context()
	if follow {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eventFollowTimeout)
		defer cancel()
	}
	evts, next, err := s.daemon.Events(ctx, since, limit, follow)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if evts == nil {
		evts = []events.Event{}
	}
	s.writeJSON(w, http.StatusOK, api.EventsResponse{Events: evts, Next: next})
}

func (s *apiServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.daemon.parts.Metrics == nil {
		s.writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	s.daemon.ObserveQueue()
	s.daemon.parts.Metrics.Handler().ServeHTTP(w, r)
}

func (s *apiServer) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrFinished), errors.Is(err, ledger.ErrNotFailed):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		var invalid *job.InvalidJobError
		if errors.As(err, &invalid) {
			s.writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: invalid.Error(), Field: invalid.Field})
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String(logging.FieldComponent, "api-server"))
	}
	return logging.NewNop()
}
