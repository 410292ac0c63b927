package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"btreekv/pkg/btree"
	"btreekv/pkg/config"
	"btreekv/pkg/store"
	"btreekv/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	clientIDHeader         = "X-Client-ID"
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
	defaultMaxSessions     = 10000
	defaultSessionIdle     = time.Minute * 5
)

// iOps is implemented by both the store and its sessions.
type iOps interface {
	IncrDecr(ctx context.Context, req store.IncrDecrRequest) (btree.IncrDecrResult, error)
	Get(ctx context.Context, key []byte) (btree.StoredValue, bool, error)
	Set(ctx context.Context, key []byte, req btree.SetRequest) (btree.SetResult, error)
	Add(ctx context.Context, key []byte, req btree.SetRequest) (btree.SetResult, error)
	Replace(ctx context.Context, key []byte, req btree.SetRequest) (btree.SetResult, error)
	CompareAndSet(ctx context.Context, key []byte, req btree.SetRequest, expected types.CAS) (btree.SetResult, error)
	Delete(ctx context.Context, key []byte) (bool, error)
}

type iStore interface {
	iOps
	NewSession() *store.Session
	Stats() []store.SliceStats
}

// Server represents the HTTP server over the store.
type Server struct {
	store      iStore
	sessions   *sessionTable
	cfg        config.ServerConfig
	httpServer *http.Server
	stopSweep  chan struct{}
	URL        string
	addr       string
}

type Option func(*Server)

// WithClock sets the time source used to expire idle client sessions.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.sessions.now = now }
}

// NewServer creates a new server instance.
func NewServer(st iStore, cfg config.ServerConfig, opts ...Option) *Server {
	if cfg.Port == 0 {
		cfg.Port = defaultHTTPPort
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = time.Second
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.SessionIdleTimeout == 0 {
		cfg.SessionIdleTimeout = defaultSessionIdle
	}
	srv := &Server{
		store:    st,
		sessions: newSessionTable(cfg.MaxSessions, cfg.SessionIdleTimeout, st.NewSession),
		cfg:      cfg,
		URL:      fmt.Sprintf("http://localhost:%d", cfg.Port),
		addr:     fmt.Sprintf(":%d", cfg.Port),
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Start starts the server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	s.stopSweep = make(chan struct{})
	go s.sweepSessions(s.stopSweep)

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop shuts the server down and closes every client session.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	if s.stopSweep != nil {
		close(s.stopSweep)
		s.stopSweep = nil
	}
	s.sessions.closeAll()
	return nil
}

// sweepSessions closes idle client sessions until stop is closed.
func (s *Server) sweepSessions(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.SessionIdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := s.sessions.sweep(); n > 0 {
				slog.Debug("idle client sessions closed", "count", n)
			}
		}
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/api/stats", s.handleStats)
	r.Put("/api/string", s.handlePut)
	r.Get("/api/string", s.handleGet)
	r.Delete("/api", s.handleDelete)
	r.Post("/api/incr", s.handleIncrDecr(true))
	r.Post("/api/decr", s.handleIncrDecr(false))
	r.Delete("/api/session", s.handleCloseSession)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

// writeError maps a substrate error to a status code.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, btree.ErrEmptyKey),
		errors.Is(err, btree.ErrKeyTooLarge),
		errors.Is(err, btree.ErrValueTooLarge):
		status = http.StatusBadRequest
	case errors.Is(err, btree.ErrSliceClosed), errors.Is(err, store.ErrStoreClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	default:
		slog.Error("store operation failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

// ops returns the session named by the X-Client-ID header, or the store
// itself when the header is absent. It writes the error response and
// returns false when no session can be opened.
func (s *Server) ops(w http.ResponseWriter, r *http.Request) (iOps, bool) {
	id := r.Header.Get(clientIDHeader)
	if id == "" {
		return s.store, true
	}
	cs, err := s.sessions.get(id)
	if err != nil {
		s.writeJSON(w, http.StatusTooManyRequests, NewErrorResponse(err.Error()))
		return nil, false
	}
	return cs, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := NewSuccessResponse("")
	resp.Stats = s.store.Stats()
	s.writeJSON(w, http.StatusOK, resp)
}

// parseUintField reads an optional unsigned form field.
func parseUintField(r *http.Request, name string, bits int, def uint64) (uint64, error) {
	raw := r.FormValue(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	if key == "" || !r.Form.Has("value") {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key or value"))
		return
	}

	flags, err := parseUintField(r, "flags", 32, 0)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	exptime, err := parseUintField(r, "exptime", 63, 0)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	cas, err := parseUintField(r, "cas", 64, 0)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	req := btree.SetRequest{
		Data:    []byte(r.FormValue("value")),
		Flags:   types.Flags(flags),
		Exptime: types.Exptime(exptime),
	}
	ops, ok := s.ops(w, r)
	if !ok {
		return
	}

	var res btree.SetResult
	switch mode := r.FormValue("mode"); {
	case cas != 0:
		res, err = ops.CompareAndSet(r.Context(), []byte(key), req, types.CAS(cas))
	case mode == "" || mode == "set":
		res, err = ops.Set(r.Context(), []byte(key), req)
	case mode == "add":
		res, err = ops.Add(r.Context(), []byte(key), req)
	case mode == "replace":
		res, err = ops.Replace(r.Context(), []byte(key), req)
	default:
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(fmt.Sprintf("unknown mode %q", mode)))
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	switch res.Status {
	case btree.SetStored:
		resp := NewSuccessResponse(res.Status.String())
		resp.CAS = uint64(res.CAS)
		s.writeJSON(w, http.StatusOK, resp)
	case btree.SetNotFound:
		s.writeJSON(w, http.StatusNotFound, NewResultErrorResponse(res.Status.String()))
	default:
		s.writeJSON(w, http.StatusConflict, NewResultErrorResponse(res.Status.String()))
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	ops, ok := s.ops(w, r)
	if !ok {
		return
	}
	sv, found, err := ops.Get(r.Context(), []byte(key))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(string(sv.Data), uint64(sv.CAS), uint32(sv.Flags)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	ops, ok := s.ops(w, r)
	if !ok {
		return
	}
	deleted, err := ops.Delete(r.Context(), []byte(key))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !deleted {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse("deleted"))
}

func (s *Server) handleIncrDecr(increment bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
			return
		}

		key := r.FormValue("key")
		if key == "" {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
			return
		}
		delta, err := parseUintField(r, "delta", 64, 1)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
			return
		}
		cas, err := parseUintField(r, "cas", 64, 0)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
			return
		}

		ops, ok := s.ops(w, r)
		if !ok {
			return
		}
		res, err := ops.IncrDecr(r.Context(), store.IncrDecrRequest{
			Key:         []byte(key),
			Increment:   increment,
			Delta:       delta,
			ExpectedCAS: types.CAS(cas),
		})
		if err != nil {
			s.writeError(w, err)
			return
		}

		switch res.Status {
		case btree.IncrDecrSuccess:
			resp := NewValueResponse(strconv.FormatUint(res.NewValue, 10), uint64(res.NewCAS), 0)
			resp.Result = res.Status.String()
			s.writeJSON(w, http.StatusOK, resp)
		case btree.IncrDecrNotFound:
			s.writeJSON(w, http.StatusNotFound, NewResultErrorResponse(res.Status.String()))
		case btree.IncrDecrCasMismatch:
			s.writeJSON(w, http.StatusConflict, NewResultErrorResponse(res.Status.String()))
		default:
			s.writeJSON(w, http.StatusUnprocessableEntity, NewResultErrorResponse(res.Status.String()))
		}
	}
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(clientIDHeader)
	if id == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing "+clientIDHeader))
		return
	}
	if !s.sessions.remove(id) {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Session not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse("closed"))
}
