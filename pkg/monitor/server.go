// Package monitor exposes the loop's monitoring and control boundary over HTTP/JSON.
//
//	GET  /api/v1/status       current snapshot
//	GET  /api/v1/config       controller, estimator and loss settings
//	GET  /api/v1/diagnostics  snapshot, output state and recent transitions
//	POST /api/v1/reset        clear the fault latch
//	POST /api/v1/trip         raise a fault: {"reason": "..."}
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/itohio/adaptivepwm/pkg/loop"
	"github.com/itohio/adaptivepwm/pkg/pwm"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"goji.io"
	"goji.io/pat"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Controller is the part of the loop the server exposes.
type Controller interface {
	Snapshot() pwm.Snapshot
	Diagnostics() loop.Diagnostics
	Settings() loop.Settings
	Reset()
	Trip(reason string) bool
}

var _ Controller = (*loop.Loop)(nil)

// TripRequest is the body of POST /api/v1/trip.
type TripRequest struct {
	Reason string `json:"reason"`
}

// TripResponse reports whether the trip latched a new fault.
type TripResponse struct {
	Tripped  bool         `json:"tripped"`
	Snapshot pwm.Snapshot `json:"snapshot"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server serves the monitoring API.
type Server struct {
	addr string
	ctrl Controller
	log  *zap.SugaredLogger
	mux  *goji.Mux
}

// NewServer creates a server for ctrl listening on addr.
func NewServer(addr string, ctrl Controller, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		addr: addr,
		ctrl: ctrl,
		log:  logger.Named("monitor"),
	}
	s.mux = s.initMux()
	return s
}

func (s *Server) initMux() *goji.Mux {
	api := goji.SubMux()
	api.Use(s.logRequests)
	api.HandleFunc(pat.Get("/status"), s.handleStatus)
	api.HandleFunc(pat.Get("/config"), s.handleConfig)
	api.HandleFunc(pat.Get("/diagnostics"), s.handleDiagnostics)
	api.HandleFunc(pat.Post("/reset"), s.handleReset)
	api.HandleFunc(pat.Post("/trip"), s.handleTrip)

	corsHandler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	})

	mux := goji.NewMux()
	mux.Handle(pat.New("/api/v1/*"), corsHandler.Handler(api))
	return mux
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe listens on the configured address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Infow("serving monitoring API", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("monitoring server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debugw("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Settings())
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Diagnostics())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.log.Infow("reset requested", "remote", r.RemoteAddr)
	s.ctrl.Reset()
	s.writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleTrip(w http.ResponseWriter, r *http.Request) {
	var req TripRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid trip request: %w", err))
		return
	}
	if req.Reason == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("trip reason is required"))
		return
	}

	s.log.Warnw("trip requested", "remote", r.RemoteAddr, "reason", req.Reason)
	tripped := s.ctrl.Trip(req.Reason)
	s.writeJSON(w, http.StatusOK, TripResponse{Tripped: tripped, Snapshot: s.ctrl.Snapshot()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnw("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
