package corba

import (
	"context"
	"iter"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ifabos/miniorb/giop"
)

// ConnectionManager owns the live connections of an ORB, keyed by peer
// endpoint.
type ConnectionManager struct {
	transport Transport
	cfg       connConfig
	log       logrus.FieldLogger

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool
}

func newConnectionManager(transport Transport, cfg connConfig) *ConnectionManager {
	if transport == nil {
		transport = TCPTransport{}
	}
	if cfg.log == nil {
		cfg.log = logrus.StandardLogger()
	}
	return &ConnectionManager{
		transport: transport,
		cfg:       cfg,
		log:       cfg.log,
		conns:     make(map[string]*Connection),
	}
}

// Connect returns the live connection to endpoint, dialing a new one if
// there is none.
func (m *ConnectionManager) Connect(ctx context.Context, endpoint string) (*Connection, error) {
	if conn := m.lookup(endpoint); conn != nil {
		return conn, nil
	}

	nc, err := m.transport.Dial(ctx, endpoint)
	if err != nil {
		return nil, &ConnectError{Endpoint: endpoint, Err: err}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		nc.Close()
		return nil, &ConnectError{Endpoint: endpoint, Err: errors.New("connection manager closed")}
	}
	if existing, ok := m.conns[endpoint]; ok && !existing.Closed() {
		// lost a dial race
		m.mu.Unlock()
		nc.Close()
		return existing, nil
	}
	conn := newConnection(nc, endpoint, m.cfg, m.remove)
	m.conns[endpoint] = conn
	m.mu.Unlock()

	m.log.WithField("endpoint", endpoint).Debug("connected")
	return conn, nil
}

func (m *ConnectionManager) lookup(endpoint string) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[endpoint]
	if !ok || conn.Closed() {
		return nil
	}
	return conn
}

// Accept yields a connection for every stream accepted on ln. The sequence
// ends when ln is closed or the consumer stops; accept errors other than
// closure are yielded and accepting continues.
func (m *ConnectionManager) Accept(ln net.Listener) iter.Seq2[*Connection, error] {
	return func(yield func(*Connection, error) bool) {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if !yield(nil, errors.Wrap(err, "accept")) {
					return
				}
				continue
			}

			conn, err := m.adopt(nc)
			if err != nil {
				return
			}
			if !yield(conn, nil) {
				return
			}
		}
	}
}

// adopt starts serving an accepted stream
func (m *ConnectionManager) adopt(nc net.Conn) (*Connection, error) {
	endpoint := nc.RemoteAddr().String()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		nc.Close()
		return nil, errors.New("connection manager closed")
	}
	conn := newConnection(nc, endpoint, m.cfg, m.remove)
	m.conns[endpoint] = conn
	m.log.WithField("endpoint", endpoint).Debug("accepted connection")
	return conn, nil
}

func (m *ConnectionManager) remove(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[conn.endpoint] == conn {
		delete(m.conns, conn.endpoint)
	}
}

// Send writes msg on conn
func (m *ConnectionManager) Send(conn *Connection, msg *giop.Message) error {
	return conn.Send(msg)
}

// Connections returns a snapshot of the live connections
func (m *ConnectionManager) Connections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Close closes every connection concurrently. No connection is accepted or
// dialed afterwards.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var g errgroup.Group
	for _, conn := range m.Connections() {
		g.Go(conn.Close)
	}
	return g.Wait()
}
