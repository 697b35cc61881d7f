package transport

import (
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/synergos-io/synergos/internal/config"
)

// Server is an in-process NATS server for single-binary deployments and
// tests. Port 0 picks a random free port.
type Server struct {
	ns *natsserver.Server
}

func NewServer(cfg config.NATSConfig) (*Server, error) {
	opts := &natsserver.Options{
		Port:   cfg.Port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, errors.New("nats server not ready")
	}

	return &Server{ns: ns}, nil
}

func (s *Server) ClientURL() string {
	return s.ns.ClientURL()
}

func (s *Server) Close() {
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}
