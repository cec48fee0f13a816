package corba

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Server accepts connections for an ORB on one endpoint
type Server struct {
	orb      *ORB
	endpoint string
	running  bool
	mu       sync.RWMutex
	listener net.Listener
	stopped  chan struct{}
}

// CreateServer creates a new server for a host:port endpoint. A port of 0
// picks a free port once the server runs.
func (orb *ORB) CreateServer(endpoint string) *Server {
	s := &Server{
		orb:      orb,
		endpoint: endpoint,
	}
	orb.mu.Lock()
	orb.servers = append(orb.servers, s)
	orb.mu.Unlock()
	return s
}

// Run starts listening and accepts connections in the background
func (s *Server) Run() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server is already running")
	}

	ln, err := s.orb.opts.Transport.Listen(s.endpoint)
	if err != nil {
		s.mu.Unlock()
		return errors.Wrapf(err, "listen on %s", s.endpoint)
	}
	stopped := s.startLocked(ln)
	s.mu.Unlock()

	s.orb.log.WithField("endpoint", ln.Addr().String()).Info("server listening")
	go s.serve(ln, stopped)
	return nil
}

// Serve accepts connections on ln until it is closed
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server is already running")
	}
	stopped := s.startLocked(ln)
	s.mu.Unlock()

	s.serve(ln, stopped)
	return nil
}

func (s *Server) startLocked(ln net.Listener) chan struct{} {
	s.listener = ln
	s.endpoint = ln.Addr().String()
	s.running = true
	s.stopped = make(chan struct{})
	return s.stopped
}

func (s *Server) serve(ln net.Listener, stopped chan struct{}) {
	defer close(stopped)

	for conn, err := range s.orb.manager.Accept(ln) {
		if err != nil {
			s.orb.log.WithError(err).Warn("error accepting connection")
			continue
		}
		s.orb.log.WithField("endpoint", conn.Endpoint()).Debug("serving connection")
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Endpoint returns the endpoint the server listens on
func (s *Server) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

// Shutdown stops accepting connections. Connections already accepted stay
// open until the ORB shuts down.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.New("server is not running")
	}
	ln, stopped := s.listener, s.stopped
	s.mu.Unlock()

	if err := ln.Close(); err != nil {
		return errors.Wrap(err, "error closing listener")
	}
	<-stopped
	return nil
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
