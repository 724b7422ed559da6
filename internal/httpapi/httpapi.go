package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/trymwestin/beoremote/internal/core/state"
)

// Device is the part of the device client the API drives.
type Device interface {
	Connected() bool
	Available() bool
	Address() string
	Snapshot() state.State
	Sources() []state.Source
	Subscribe(buffer int, types ...state.EventType) *state.Subscription

	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Next(ctx context.Context) error
	Previous(ctx context.Context) error
	GetVolume(ctx context.Context) (float64, error)
	SetVolume(ctx context.Context, percentage float64) error
	GetMuted(ctx context.Context) (bool, error)
	SetMuted(ctx context.Context, muted bool) error
	GetPosition(ctx context.Context) (float64, error)
	SetPosition(ctx context.Context, seconds float64) error
	SetActiveSource(ctx context.Context, id string) error
}

// Server is the HTTP API server.
type Server struct {
	dev     Device
	corsAll bool
	log     *slog.Logger
	mux     *http.ServeMux
}

// NewServer creates a new HTTP API server.
func NewServer(dev Device, corsAll bool, log *slog.Logger) *Server {
	s := &Server{
		dev:     dev,
		corsAll: corsAll,
		log:     log,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/state", s.handleGetState)
	s.mux.HandleFunc("GET /api/sources", s.handleGetSources)
	s.mux.HandleFunc("GET /api/volume", s.handleGetVolume)
	s.mux.HandleFunc("GET /api/mute", s.handleGetMute)
	s.mux.HandleFunc("GET /api/position", s.handleGetPosition)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)

	s.mux.HandleFunc("POST /api/control/play", s.command(s.dev.Play))
	s.mux.HandleFunc("POST /api/control/pause", s.command(s.dev.Pause))
	s.mux.HandleFunc("POST /api/control/next", s.command(s.dev.Next))
	s.mux.HandleFunc("POST /api/control/previous", s.command(s.dev.Previous))
	s.mux.HandleFunc("POST /api/control/volume", s.handleControlVolume)
	s.mux.HandleFunc("POST /api/control/mute", s.handleControlMute)
	s.mux.HandleFunc("POST /api/control/position", s.handleControlPosition)
	s.mux.HandleFunc("POST /api/control/source", s.handleControlSource)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeDeviceError reports a failed device call as a bad gateway.
func (s *Server) writeDeviceError(w http.ResponseWriter, op string, err error) {
	s.log.Warn("device call failed", "op", op, "error", err)
	s.writeError(w, http.StatusBadGateway, err.Error())
}

func (s *Server) readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) ok(w http.ResponseWriter) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// --- Handlers ---

type statusResponse struct {
	Connected bool   `json:"connected"`
	Available bool   `json:"available"`
	Address   string `json:"address"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, statusResponse{
		Connected: s.dev.Connected(),
		Available: s.dev.Available(),
		Address:   s.dev.Address(),
	})
}

func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.dev.Snapshot())
}

func (s *Server) handleGetSources(w http.ResponseWriter, _ *http.Request) {
	sources := s.dev.Sources()
	if sources == nil {
		sources = []state.Source{}
	}
	s.writeJSON(w, map[string]any{"sources": sources})
}

func (s *Server) handleGetVolume(w http.ResponseWriter, r *http.Request) {
	v, err := s.dev.GetVolume(r.Context())
	if err != nil {
		s.writeDeviceError(w, "get volume", err)
		return
	}
	s.writeJSON(w, volumeBody{Volume: &v})
}

func (s *Server) handleGetMute(w http.ResponseWriter, r *http.Request) {
	muted, err := s.dev.GetMuted(r.Context())
	if err != nil {
		s.writeDeviceError(w, "get muted", err)
		return
	}
	s.writeJSON(w, mutedBody{Muted: &muted})
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.dev.GetPosition(r.Context())
	if err != nil {
		s.writeDeviceError(w, "get position", err)
		return
	}
	s.writeJSON(w, positionBody{Position: &pos})
}

// command adapts a body-less device call to a handler.
func (s *Server) command(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			s.writeDeviceError(w, r.URL.Path, err)
			return
		}
		s.ok(w)
	}
}

type volumeBody struct {
	Volume *float64 `json:"volume"`
}

func (s *Server) handleControlVolume(w http.ResponseWriter, r *http.Request) {
	var body volumeBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Volume == nil || *body.Volume < 0 || *body.Volume > 1 {
		s.writeError(w, http.StatusBadRequest, "volume must be 0-1")
		return
	}
	if err := s.dev.SetVolume(r.Context(), *body.Volume); err != nil {
		s.writeDeviceError(w, "set volume", err)
		return
	}
	s.ok(w)
}

type mutedBody struct {
	Muted *bool `json:"muted"`
}

func (s *Server) handleControlMute(w http.ResponseWriter, r *http.Request) {
	var body mutedBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Muted == nil {
		s.writeError(w, http.StatusBadRequest, "muted is required")
		return
	}
	if err := s.dev.SetMuted(r.Context(), *body.Muted); err != nil {
		s.writeDeviceError(w, "set muted", err)
		return
	}
	s.ok(w)
}

type positionBody struct {
	Position *float64 `json:"position"`
}

func (s *Server) handleControlPosition(w http.ResponseWriter, r *http.Request) {
	var body positionBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Position == nil || *body.Position < 0 {
		s.writeError(w, http.StatusBadRequest, "position must be a non-negative number of seconds")
		return
	}
	if err := s.dev.SetPosition(r.Context(), *body.Position); err != nil {
		s.writeDeviceError(w, "set position", err)
		return
	}
	s.ok(w)
}

type sourceBody struct {
	ID string `json:"id"`
}

func (s *Server) handleControlSource(w http.ResponseWriter, r *http.Request) {
	var body sourceBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.ID == "" {
		s.writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.dev.SetActiveSource(r.Context(), body.ID); err != nil {
		s.writeDeviceError(w, "set source", err)
		return
	}
	s.ok(w)
}
