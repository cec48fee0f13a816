package corba_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ifabos/miniorb/corba"
	"github.com/ifabos/miniorb/giop"
)

const echoRepoID = "IDL:test/Echo:1.0"

type echoServant struct{}

func (echoServant) RepositoryID() string { return echoRepoID }

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestORB(t *testing.T, opts ...corba.Option) *corba.ORB {
	t.Helper()
	opts = append([]corba.Option{corba.WithLogger(quietLogger())}, opts...)
	orb, err := corba.Init(opts...)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { orb.Shutdown(false) })
	return orb
}

// startServer runs a server for orb on a free loopback port
func startServer(t *testing.T, orb *corba.ORB) string {
	t.Helper()
	s := orb.CreateServer("127.0.0.1:0")
	if err := s.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return s.Endpoint()
}

// echoORB starts an ORB serving an echo servant with the operations echo
// and fail, and returns its endpoint and the servant's object id.
func echoORB(t *testing.T, opts ...corba.Option) (*corba.ORB, string, corba.ObjectID) {
	t.Helper()
	orb := newTestORB(t, opts...)
	err := orb.Skeletons().RegisterInterface(echoRepoID, map[string]corba.Handler{
		"echo": func(ctx context.Context, req *corba.ServerRequest) error {
			values, err := req.Arguments.Values()
			if err != nil {
				return err
			}
			return req.SetResult(values...)
		},
		"fail": func(ctx context.Context, req *corba.ServerRequest) error {
			return corba.NewCORBAUserException("EchoFailed", "IDL:test/EchoFailed:1.0").SetMember("reason", "asked to")
		},
	})
	if err != nil {
		t.Fatalf("RegisterInterface failed: %v", err)
	}
	oid, err := orb.RegisterServant(echoServant{})
	if err != nil {
		t.Fatalf("RegisterServant failed: %v", err)
	}
	return orb, startServer(t, orb), oid
}

// rawPeer is the far end of a connection driven by hand
type rawPeer struct {
	t    *testing.T
	conn net.Conn
	buf  []byte
}

// listenRaw listens on a loopback port. The returned function waits for
// the single expected connection.
func listenRaw(t *testing.T) (string, func() *rawPeer) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(conns)
			return
		}
		conns <- conn
	}()

	accept := func() *rawPeer {
		t.Helper()
		select {
		case conn, ok := <-conns:
			if !ok {
				t.Fatal("accept failed")
			}
			t.Cleanup(func() { conn.Close() })
			return &rawPeer{t: t, conn: conn}
		case <-time.After(5 * time.Second):
			t.Fatal("no connection accepted")
			return nil
		}
	}
	return ln.Addr().String(), accept
}

func dialRaw(t *testing.T, endpoint string) *rawPeer {
	t.Helper()
	conn, err := net.Dial("tcp", endpoint)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &rawPeer{t: t, conn: conn}
}

// read returns the next frame, or nil once the stream ends
func (p *rawPeer) read() *giop.Message {
	p.t.Helper()
	chunk := make([]byte, 4096)
	for {
		msg, n, err := giop.Decode(p.buf)
		if err == nil {
			p.buf = p.buf[n:]
			return msg
		}
		if !errors.Is(err, giop.ErrIncompleteFrame) {
			p.t.Fatalf("peer decode failed: %v", err)
		}

		p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, err = p.conn.Read(chunk)
		p.buf = append(p.buf, chunk[:n]...)
		if err != nil {
			return nil
		}
	}
}

// readType returns the next frame of the given type, skipping others
func (p *rawPeer) readType(typ giop.MsgType) *giop.Message {
	p.t.Helper()
	for {
		msg := p.read()
		if msg == nil {
			p.t.Fatalf("stream ended while waiting for %s", typ)
		}
		if msg.Type == typ {
			return msg
		}
	}
}

func (p *rawPeer) write(msg *giop.Message) {
	p.t.Helper()
	data, err := giop.Encode(msg)
	if err != nil {
		p.t.Fatalf("peer encode failed: %v", err)
	}
	if _, err := p.conn.Write(data); err != nil {
		p.t.Fatalf("peer write failed: %v", err)
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func cdr(t *testing.T, values ...interface{}) giop.Payload {
	t.Helper()
	p, err := giop.MarshalPayload(giop.EncodingCDR, values...)
	if err != nil {
		t.Fatalf("MarshalPayload failed: %v", err)
	}
	return p
}
