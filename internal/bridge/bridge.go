// Package bridge exposes a projector session over HTTP and WebSocket so
// host automation platforms can consume it without speaking ESC/VP.net
// themselves.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tavru/escvpnet/internal/logging"
	"github.com/tavru/escvpnet/internal/projector"
)

// Server bridges one projector session to HTTP/WebSocket clients.
type Server struct {
	proj     *projector.Projector
	upgrader websocket.Upgrader
}

// New creates a bridge for an already-constructed session.
func New(proj *projector.Projector) *Server {
	return &Server{
		proj: proj,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler returns the bridge's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/status", s.handleStatus)
	r.Post("/power/{state}", s.handlePower)
	r.Post("/source/{name}", s.handleSource)
	r.Post("/lens/{slot}", s.handleMemory(s.proj.LoadLensMemory, "lens"))
	r.Post("/image/{slot}", s.handleMemory(s.proj.LoadImageMemory, "image"))
	r.Get("/ws", s.handleWS)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Run keeps the Prometheus gauges in sync with the session until the context
// is cancelled.
func (s *Server) Run(ctx context.Context) {
	updates, cancel := s.proj.Subscribe()
	defer cancel()

	snap := s.proj.Snapshot()
	observeSnapshot(snap.Connected, snap.Power)

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			observeSnapshot(snap.Connected, snap.Power)
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.proj.Snapshot())
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	var on bool
	switch chi.URLParam(r, "state") {
	case "on":
		on = true
	case "off":
		on = false
	default:
		http.Error(w, "state must be on or off", http.StatusBadRequest)
		return
	}

	commandsTotal.WithLabelValues("power").Inc()
	if err := s.proj.SetPower(r.Context(), on); err != nil {
		commandErrorsTotal.WithLabelValues("power").Inc()
		writeCommandError(w, err)
		return
	}
	writeJSON(w, s.proj.Snapshot())
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	commandsTotal.WithLabelValues("source").Inc()
	if err := s.proj.SetSource(r.Context(), chi.URLParam(r, "name")); err != nil {
		commandErrorsTotal.WithLabelValues("source").Inc()
		writeCommandError(w, err)
		return
	}
	writeJSON(w, s.proj.Snapshot())
}

func (s *Server) handleMemory(load func(context.Context, int) error, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
		if err != nil || slot < 1 {
			http.Error(w, "slot must be a positive integer", http.StatusBadRequest)
			return
		}

		commandsTotal.WithLabelValues(name).Inc()
		if err := load(r.Context(), slot); err != nil {
			commandErrorsTotal.WithLabelValues(name).Inc()
			writeCommandError(w, err)
			return
		}
		writeJSON(w, s.proj.Snapshot())
	}
}

// wsCommand is the message format clients send over the WebSocket.
type wsCommand struct {
	Action string `json:"action"` // power, source, lens, image
	Arg    string `json:"arg"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("bridge: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, unsubscribe := s.proj.Subscribe()
	defer unsubscribe()

	// Writer: initial snapshot, then one message per state change.
	go func() {
		defer cancel()
		if err := conn.WriteJSON(s.proj.Snapshot()); err != nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-updates:
				if err := conn.WriteJSON(snap); err != nil {
					return
				}
			}
		}
	}()

	// Reader: commands from the client; exits on close or error.
	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debug("bridge: websocket read: %v", err)
			}
			return
		}
		if err := s.dispatch(ctx, cmd); err != nil {
			logging.Warn("bridge: %s command failed: %v", cmd.Action, err)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cmd wsCommand) error {
	commandsTotal.WithLabelValues(cmd.Action).Inc()

	var err error
	switch cmd.Action {
	case "power":
		err = s.proj.SetPower(ctx, cmd.Arg == "on")
	case "source":
		err = s.proj.SetSource(ctx, cmd.Arg)
	case "lens", "image":
		var slot int
		slot, err = strconv.Atoi(cmd.Arg)
		if err != nil {
			break
		}
		if cmd.Action == "lens" {
			err = s.proj.LoadLensMemory(ctx, slot)
		} else {
			err = s.proj.LoadImageMemory(ctx, slot)
		}
	default:
		logging.Warn("bridge: unknown action %q", cmd.Action)
		return nil
	}

	if err != nil {
		commandErrorsTotal.WithLabelValues(cmd.Action).Inc()
	}
	return err
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("bridge: write response: %v", err)
	}
}

func writeCommandError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	if errors.Is(err, projector.ErrNotReady) {
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}
