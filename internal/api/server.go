// Package api serves the device configuration REST endpoints, the status
// map and its WebSocket feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"modbus-gateway/internal/model"
	"modbus-gateway/internal/registry"
	"modbus-gateway/internal/status"
)

// Devices is the registry surface used by the handlers.
type Devices interface {
	List() []model.Device
	Add(d model.Device) (model.Device, error)
	Update(name string, d model.Device) (model.Device, error)
	Delete(name string) error
}

// History answers point history queries.
type History interface {
	Recent(ctx context.Context, device string, limit int) ([]model.PointValue, error)
}

type Options struct {
	Devices Devices
	Status  status.Source
	Feed    *status.Feed
	// Running reports whether the polling loop is active. Optional.
	Running func() bool
	// History enables GET /api/history/{name}. Optional.
	History History
	// Gatherer enables GET /metrics. Optional.
	Gatherer prometheus.Gatherer
	// StaticDir, when set, is served at / (the built dashboard).
	StaticDir string
	Logger   zerolog.Logger
}

type Server struct {
	opts   Options
	logger zerolog.Logger
	mux    *http.ServeMux

	ln  net.Listener
	srv *http.Server
}

func New(opts Options) *Server {
	s := &Server{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "api").Logger(),
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/devices", s.listDevices)
	s.mux.HandleFunc("POST /api/devices", s.addDevice)
	s.mux.HandleFunc("PUT /api/devices/{name}", s.updateDevice)
	s.mux.HandleFunc("DELETE /api/devices/{name}", s.deleteDevice)
	s.mux.HandleFunc("GET /api/data", s.data)
	s.mux.HandleFunc("GET /api/pm-defaults", s.pmDefaults)
	s.mux.HandleFunc("GET /api/ws", s.serveWS)
	s.mux.HandleFunc("GET /healthz", s.health)
	if s.opts.History != nil {
		s.mux.HandleFunc("GET /api/history/{name}", s.history)
	}
	if s.opts.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.opts.StaticDir != "" {
		s.mux.Handle("GET /", http.FileServer(http.Dir(s.opts.StaticDir)))
	}
}

// Handler returns the routed handler wrapped with CORS.
func (s *Server) Handler() http.Handler {
	return cors(s.mux)
}

// Listen binds addr. Bind errors surface here so the caller can fail startup.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("http listening")
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.srv == nil {
		return errors.New("api: Listen not called")
	}
	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(s.ln) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.srv.Shutdown(shutdownCtx)
		<-errc
		return err
	}
}

func (s *Server) listDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Devices.List())
}

func (s *Server) addDevice(w http.ResponseWriter, r *http.Request) {
	var d model.Device
	if !decode(w, r, &d) {
		return
	}
	added, err := s.opts.Devices.Add(d)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, added)
}

func (s *Server) updateDevice(w http.ResponseWriter, r *http.Request) {
	var d model.Device
	if !decode(w, r, &d) {
		return
	}
	updated, err := s.opts.Devices.Update(r.PathValue("name"), d)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Devices.Delete(r.PathValue("name")); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) data(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Status.Snapshot())
}

func (s *Server) pmDefaults(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]model.Param{"params": model.DefaultParams})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	points, err := s.opts.History.Recent(r.Context(), r.PathValue("name"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if points == nil {
		points = []model.PointValue{}
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	running := true
	if s.opts.Running != nil {
		running = s.opts.Running()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"scheduler_running": running,
		"devices":           len(s.opts.Devices.List()),
	})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateName), errors.Is(err, registry.ErrCapacityExceeded):
		return http.StatusConflict
	case errors.Is(err, registry.ErrInvalidDevice), errors.Is(err, registry.ErrUnknownType), errors.Is(err, registry.ErrNameChanged):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"detail": msg})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
