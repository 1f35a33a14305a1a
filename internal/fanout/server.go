package fanout

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Server exposes the websocket endpoint on /ws and counters on /stats.
type Server struct {
	hub *Hub
	srv *http.Server
	log zerolog.Logger
}

// NewServer wires the hub into an HTTP server on addr.
func NewServer(addr string, hub *Hub, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	mux.HandleFunc("/stats", hub.HandleStats)

	return &Server{
		hub: hub,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.With().Str("component", "fanout").Logger(),
	}
}

// Start launches the listener in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("fanout server listening")
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("fanout server error")
		}
	}()
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
