package webchat

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server runs the HTTP listener and tears down rooms and transport on
// shutdown.
type Server struct {
	httpSrv   *http.Server
	rooms     *RoomManager
	transport *Transport
}

func NewServer(addr string, router *Router, rooms *RoomManager, transport *Transport) *Server {
	return &Server{
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           router.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		rooms:     rooms,
		transport: transport,
	}
}

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "webchat").Str("addr", s.httpSrv.Addr).Msg("listening")
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "webchat: serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("http shutdown failed")
	}
	s.rooms.Shutdown()
	if err := s.transport.Close(); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("transport close failed")
	}
	return nil
}
