// Package web provides an HTTP status server for the bridge: an HTML page,
// the JSON status and a small control API for scripts.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sweeney/wemo-bridge/internal/device"
	"github.com/sweeney/wemo-bridge/internal/logic"
	"github.com/sweeney/wemo-bridge/internal/platform"
	"github.com/sweeney/wemo-bridge/internal/status"
)

// maxRequestBodySize is the maximum allowed request body size.
const maxRequestBodySize = 1 << 16

// Controllable is an accessory that accepts host-style set requests.
type Controllable interface {
	SetOn(ctx context.Context, on bool) error
	SetBrightness(ctx context.Context, pct int) error
	SetColorTemperature(ctx context.Context, mired int) error
	SetTargetDoorState(ctx context.Context, t logic.TargetDoorState) error
}

// ControlFunc looks up an accessory by id. It returns
// platform.ErrUnknownAccessory for an unknown id.
type ControlFunc func(id string) (Controllable, error)

// SetRequest is the body of a set request. Absent fields are left alone.
type SetRequest struct {
	On               *bool   `json:"on,omitempty"`
	Brightness       *int    `json:"brightness,omitempty"`
	ColorTemperature *int    `json:"color_temperature,omitempty"`
	TargetDoorState  *string `json:"target_door_state,omitempty"`
}

// Error is the body of an error response.
type Error struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	control    ControlFunc
	log        zerolog.Logger
}

// New creates a Server that reads state from the given tracker. A nil
// control disables the set endpoint.
func New(addr string, tracker *status.Tracker, control ControlFunc, log zerolog.Logger) *Server {
	s := &Server{
		tracker: tracker,
		control: control,
		log:     log.With().Str("component", "web").Logger(),
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/index.json", s.handleJSON)
	r.Route("/accessories/{id}", func(r chi.Router) {
		r.Get("/", s.handleAccessory)
		r.Post("/set", s.handleSet)
	})
	return r
}

// Handler returns the router. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.log.Error().Err(err).Msg("render status page")
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleAccessory(w http.ResponseWriter, r *http.Request) {
	a, ok := s.tracker.Accessory(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "accessory not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatAccessoryJSON(a))
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		writeError(w, http.StatusNotImplemented, "control disabled")
		return
	}
	id := chi.URLParam(r, "id")

	var req SetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.On == nil && req.Brightness == nil && req.ColorTemperature == nil && req.TargetDoorState == nil {
		writeError(w, http.StatusBadRequest, "no fields to set")
		return
	}
	var target logic.TargetDoorState
	if req.TargetDoorState != nil {
		switch *req.TargetDoorState {
		case "OPEN":
			target = logic.TargetOpen
		case "CLOSED":
			target = logic.TargetClosed
		default:
			writeError(w, http.StatusBadRequest, "target_door_state must be OPEN or CLOSED")
			return
		}
	}
	if req.Brightness != nil && (*req.Brightness < 0 || *req.Brightness > 100) {
		writeError(w, http.StatusBadRequest, "brightness must be 0-100")
		return
	}

	acc, err := s.control(id)
	if err != nil {
		s.writeSetError(w, id, err)
		return
	}

	ctx := r.Context()
	if req.On != nil {
		err = acc.SetOn(ctx, *req.On)
	}
	if err == nil && req.Brightness != nil {
		err = acc.SetBrightness(ctx, *req.Brightness)
	}
	if err == nil && req.ColorTemperature != nil {
		err = acc.SetColorTemperature(ctx, logic.ClampMired(*req.ColorTemperature))
	}
	if err == nil && req.TargetDoorState != nil {
		err = acc.SetTargetDoorState(ctx, target)
	}
	if err != nil {
		s.writeSetError(w, id, err)
		return
	}

	if a, ok := s.tracker.Accessory(id); ok {
		w.Header().Set("Content-Type", "application/json")
		w.Write(status.FormatAccessoryJSON(a))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeSetError(w http.ResponseWriter, id string, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, platform.ErrUnknownAccessory):
		code = http.StatusNotFound
	case errors.Is(err, platform.ErrTimeout):
		code = http.StatusGatewayTimeout
	case errors.Is(err, device.ErrNotAvailable):
		code = http.StatusServiceUnavailable
	}
	s.log.Warn().Err(err).Str("id", id).Int("status", code).Msg("set request failed")
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(Error{Status: code, Message: message})
}

// statusWriter records the response status for logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http request")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.log.Error().Interface("error", err).Str("path", r.URL.Path).Msg("panic recovered in HTTP handler")
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
