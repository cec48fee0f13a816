package corba

import (
	"context"
	"net"
	"time"
)

// Transport is the byte-stream layer connections run over
type Transport interface {
	Dial(ctx context.Context, endpoint string) (net.Conn, error)
	Listen(endpoint string) (net.Listener, error)
}

// TCPTransport is the reference stream transport
type TCPTransport struct {
	// KeepAlive period for dialed connections; zero uses the net default
	KeepAlive time.Duration
}

// Dial connects to a host:port endpoint
func (t TCPTransport) Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: t.KeepAlive}
	return d.DialContext(ctx, "tcp", endpoint)
}

// Listen listens on a host:port endpoint
func (t TCPTransport) Listen(endpoint string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(context.Background(), "tcp", endpoint)
}
