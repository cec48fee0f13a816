package corba_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"

	"github.com/ifabos/miniorb/corba"
	"github.com/ifabos/miniorb/giop"
)

func TestCallRoundTrip(t *testing.T) {
	_, endpoint, oid := echoORB(t)
	client := newTestORB(t)
	ctx := testContext(t)

	conn, err := client.Connect(ctx, endpoint)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for _, enc := range []giop.Encoding{giop.EncodingCDR, giop.EncodingMsgpack} {
		t.Run(enc.String(), func(t *testing.T) {
			args, err := giop.MarshalPayload(enc, "hello", int64(42), true)
			if err != nil {
				t.Fatalf("MarshalPayload failed: %v", err)
			}
			result, err := client.Client().Call(ctx, conn, oid, "echo", args, time.Second)
			if err != nil {
				t.Fatalf("Call failed: %v", err)
			}
			if result.Encoding != enc {
				t.Errorf("Expected %s result, got %s", enc, result.Encoding)
			}
			var (
				s  string
				n  int64
				ok bool
			)
			if err := result.Unmarshal(&s, &n, &ok); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if s != "hello" || n != 42 || !ok {
				t.Errorf("Unexpected result %q %d %v", s, n, ok)
			}
		})
	}

	again, err := client.Connect(ctx, endpoint)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if again != conn {
		t.Error("Expected the live connection to be reused")
	}
}

func TestCallRemoteExceptions(t *testing.T) {
	server, endpoint, oid := echoORB(t)
	client := newTestORB(t)
	ctx := testContext(t)
	conn, err := client.Connect(ctx, endpoint)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	_, err = client.Client().Call(ctx, conn, oid, "fail", cdr(t), time.Second)
	var user *corba.UserException
	if !errors.As(err, &user) || user.Name() != "EchoFailed" {
		t.Fatalf("Expected EchoFailed user exception, got %v", err)
	}
	if reason, _ := user.GetMember("reason"); reason != "asked to" {
		t.Errorf("Unexpected reason %v", reason)
	}

	_, err = client.Client().Call(ctx, conn, oid, "nope", cdr(t), time.Second)
	if !errors.Is(err, corba.ErrNoSuchOperation) {
		t.Errorf("Expected BAD_OPERATION, got %v", err)
	}

	server.Deactivate(oid)
	_, err = client.Client().Call(ctx, conn, oid, "echo", cdr(t), time.Second)
	if !errors.Is(err, corba.ErrNoSuchObject) {
		t.Errorf("Expected OBJECT_NOT_EXIST, got %v", err)
	}
}

func TestConcurrentCallsGetOwnReplies(t *testing.T) {
	endpoint, accept := listenRaw(t)
	client := newTestORB(t)
	ctx := testContext(t)
	conn, err := client.Connect(ctx, endpoint)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	peer := accept()
	empty := cdr(t)

	results := make(chan error, 2)
	for _, word := range []string{"first", "second"} {
		go func() {
			result, err := client.Client().Call(ctx, conn, corba.ObjectID("obj"), word, empty, 5*time.Second)
			if err != nil {
				results <- err
				return
			}
			var got string
			if err := result.Unmarshal(&got); err != nil {
				results <- err
				return
			}
			if got != word {
				results <- errors.New(word + " call received " + got)
				return
			}
			results <- nil
		}()
	}

	a := peer.readType(giop.MsgRequest)
	b := peer.readType(giop.MsgRequest)
	if a.RequestID == b.RequestID {
		t.Fatalf("Concurrent calls share request id %d", a.RequestID)
	}

	// answer in reverse order, each with its own operation name
	peer.write(giop.NewReplyMessage(b, cdr(t, b.Operation)))
	peer.write(giop.NewReplyMessage(a, cdr(t, a.Operation)))

	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Error(err)
		}
	}
}

func TestCallTimeoutDiscardsLateReply(t *testing.T) {
	endpoint, accept := listenRaw(t)
	client := newTestORB(t)
	ctx := testContext(t)
	conn, err := client.Connect(ctx, endpoint)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	peer := accept()

	start := time.Now()
	_, err = client.Client().Call(ctx, conn, corba.ObjectID("obj"), "slow", cdr(t), 50*time.Millisecond)
	if !errors.Is(err, corba.ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Call returned %v after its deadline", elapsed)
	}
	if n := conn.PendingCount(); n != 0 {
		t.Errorf("Expected no pending calls after timeout, got %d", n)
	}

	req := peer.readType(giop.MsgRequest)
	cancel := peer.readType(giop.MsgCancelRequest)
	if cancel.RequestID != req.RequestID {
		t.Errorf("Cancel for %d, expected %d", cancel.RequestID, req.RequestID)
	}

	// the late reply is dropped and the connection keeps working
	peer.write(giop.NewReplyMessage(req, cdr(t, "late")))

	empty := cdr(t)
	done := make(chan error, 1)
	go func() {
		result, err := client.Client().Call(ctx, conn, corba.ObjectID("obj"), "fast", empty, 5*time.Second)
		if err == nil {
			var got string
			err = result.Unmarshal(&got)
			if err == nil && got != "fresh" {
				err = errors.New("got " + got)
			}
		}
		done <- err
	}()
	next := peer.readType(giop.MsgRequest)
	if next.RequestID == req.RequestID {
		t.Errorf("Request id %d reused", next.RequestID)
	}
	peer.write(giop.NewReplyMessage(next, cdr(t, "fresh")))
	if err := <-done; err != nil {
		t.Errorf("Call after late reply failed: %v", err)
	}
	if conn.Closed() {
		t.Error("Late reply closed the connection")
	}
}

func TestCloseResolvesAllPending(t *testing.T) {
	const calls = 5
	endpoint, accept := listenRaw(t)
	client := newTestORB(t)
	ctx := testContext(t)
	conn, err := client.Connect(ctx, endpoint)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	peer := accept()
	empty := cdr(t)

	var g errgroup.Group
	var lost atomic.Int32
	for i := 0; i < calls; i++ {
		g.Go(func() error {
			_, err := client.Client().Call(ctx, conn, corba.ObjectID("obj"), "hang", empty, 5*time.Second)
			if !errors.Is(err, corba.ErrConnectionLost) {
				return errors.New("expected connection lost, got " + errString(err))
			}
			lost.Add(1)
			return nil
		})
	}

	for i := 0; i < calls; i++ {
		peer.readType(giop.MsgRequest)
	}
	if n := conn.PendingCount(); n != calls {
		t.Fatalf("Expected %d pending calls, got %d", calls, n)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if lost.Load() != calls {
		t.Errorf("Expected %d lost calls, got %d", calls, lost.Load())
	}
	peer.readType(giop.MsgCloseConnection)

	if _, err := client.Client().Call(ctx, conn, corba.ObjectID("obj"), "after", cdr(t), time.Second); !errors.Is(err, corba.ErrConnectionLost) {
		t.Errorf("Expected ErrConnectionLost on a closed connection, got %v", err)
	}
}

func TestPeerFailureResolvesPending(t *testing.T) {
	endpoint, accept := listenRaw(t)
	client := newTestORB(t)
	ctx := testContext(t)
	conn, err := client.Connect(ctx, endpoint)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	peer := accept()
	empty := cdr(t)

	done := make(chan error, 1)
	go func() {
		_, err := client.Client().Call(ctx, conn, corba.ObjectID("obj"), "hang", empty, 5*time.Second)
		done <- err
	}()
	peer.readType(giop.MsgRequest)
	peer.conn.Close()

	if err := <-done; !errors.Is(err, corba.ErrConnectionLost) {
		t.Errorf("Expected ErrConnectionLost, got %v", err)
	}
	<-conn.Done()

	// a new connection is dialed once the old one is gone
	again, err := client.Connect(ctx, endpoint)
	if err != nil {
		t.Fatalf("Connect after failure failed: %v", err)
	}
	if again == conn {
		t.Error("Closed connection handed out again")
	}
}

func TestConnectError(t *testing.T) {
	client := newTestORB(t)

	// nothing listens on port 1 of the loopback interface
	_, err := client.Connect(testContext(t), "127.0.0.1:1")
	var connErr *corba.ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("Expected ConnectError, got %v", err)
	}
	if connErr.Endpoint != "127.0.0.1:1" {
		t.Errorf("Unexpected endpoint %q", connErr.Endpoint)
	}
	if !errors.Is(err, corba.TRANSIENT(0, corba.CompletionStatusNo)) {
		t.Error("Expected ConnectError to match TRANSIENT")
	}
}

func TestCallOneway(t *testing.T) {
	server, endpoint, _ := echoORB(t)
	received := make(chan string, 1)
	notify := corba.NewDynamicServant("IDL:test/Notify:1.0")
	notify.AddOperation("notify", func(ctx context.Context, req *corba.ServerRequest) error {
		var s string
		if err := req.Decode(&s); err != nil {
			return err
		}
		received <- s
		return nil
	})
	oid, err := server.RegisterServant(notify)
	if err != nil {
		t.Fatalf("RegisterServant failed: %v", err)
	}

	client := newTestORB(t)
	ctx := testContext(t)
	conn, err := client.Connect(ctx, endpoint)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := client.Client().CallOneway(ctx, conn, oid, "notify", cdr(t, "ping")); err != nil {
		t.Fatalf("CallOneway failed: %v", err)
	}

	select {
	case s := <-received:
		if s != "ping" {
			t.Errorf("Expected ping, got %q", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("oneway request not delivered")
	}
	if n := conn.PendingCount(); n != 0 {
		t.Errorf("Oneway call left %d pending calls", n)
	}
}

func TestClientLocate(t *testing.T) {
	server, endpoint, oid := echoORB(t)
	client := newTestORB(t)
	ctx := testContext(t)
	conn, err := client.Connect(ctx, endpoint)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	here, err := client.Client().Locate(ctx, conn, oid, time.Second)
	if err != nil || !here {
		t.Errorf("Expected object here, got %v %v", here, err)
	}
	server.Deactivate(oid)
	here, err = client.Client().Locate(ctx, conn, oid, time.Second)
	if err != nil || here {
		t.Errorf("Expected unknown object, got %v %v", here, err)
	}
}

func TestTimeoutCancelsRemoteDispatch(t *testing.T) {
	server, endpoint, _ := echoORB(t)
	canceled := make(chan struct{})
	slow := corba.NewDynamicServant("IDL:test/Slow:1.0")
	slow.AddOperation("wait", func(ctx context.Context, req *corba.ServerRequest) error {
		select {
		case <-ctx.Done():
			close(canceled)
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	oid, err := server.RegisterServant(slow)
	if err != nil {
		t.Fatalf("RegisterServant failed: %v", err)
	}

	client := newTestORB(t)
	ctx := testContext(t)
	conn, err := client.Connect(ctx, endpoint)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := client.Client().Call(ctx, conn, oid, "wait", cdr(t), 50*time.Millisecond); !errors.Is(err, corba.ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}

	select {
	case <-canceled:
	case <-time.After(3 * time.Second):
		t.Fatal("remote dispatch was not canceled")
	}
}

func TestParentContextCancel(t *testing.T) {
	endpoint, accept := listenRaw(t)
	client := newTestORB(t)
	conn, err := client.Connect(testContext(t), endpoint)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	peer := accept()

	ctx, cancel := context.WithCancel(context.Background())
	empty := cdr(t)
	done := make(chan error, 1)
	go func() {
		_, err := client.Client().Call(ctx, conn, corba.ObjectID("obj"), "hang", empty, 5*time.Second)
		done <- err
	}()
	peer.readType(giop.MsgRequest)
	cancel()

	err = <-done
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if errors.Is(err, corba.ErrTimeout) {
		t.Error("Cancellation reported as timeout")
	}
}

func TestBackPressureBoundsInFlight(t *testing.T) {
	const maxInFlight = 2
	server := newTestORB(t, corba.WithMaxInFlight(maxInFlight))
	var running, peak atomic.Int32
	busy := corba.NewDynamicServant("IDL:test/Busy:1.0")
	busy.AddOperation("work", func(ctx context.Context, req *corba.ServerRequest) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	oid, err := server.RegisterServant(busy)
	if err != nil {
		t.Fatalf("RegisterServant failed: %v", err)
	}
	endpoint := startServer(t, server)

	client := newTestORB(t)
	ctx := testContext(t)
	conn, err := client.Connect(ctx, endpoint)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	empty := cdr(t)
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := client.Client().Call(ctx, conn, oid, "work", empty, 5*time.Second)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if p := peak.Load(); p > maxInFlight {
		t.Errorf("Expected at most %d concurrent dispatches, saw %d", maxInFlight, p)
	}
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	_, endpoint, _ := echoORB(t)
	peer := dialRaw(t, endpoint)

	if _, err := peer.conn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	msg := peer.read()
	if msg == nil || msg.Type != giop.MsgMessageError {
		t.Fatalf("Expected MessageError, got %v", msg)
	}
	if msg.Reason == "" {
		t.Error("MessageError carries no reason")
	}
	if next := peer.read(); next != nil {
		t.Errorf("Expected the connection to close, got %s", next.Type)
	}
}

func TestTracingPropagatesAcrossCall(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	_, endpoint, oid := echoORB(t, corba.WithTracerProvider(tp))
	client := newTestORB(t, corba.WithTracerProvider(tp))
	ctx := testContext(t)
	conn, err := client.Connect(ctx, endpoint)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := client.Client().Call(ctx, conn, oid, "echo", cdr(t, "x"), time.Second); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	var clientSpan, serverSpan trace.ReadOnlySpan
	deadline := time.Now().Add(3 * time.Second)
	for (clientSpan == nil || serverSpan == nil) && time.Now().Before(deadline) {
		for _, s := range recorder.Ended() {
			switch s.Name() {
			case "echo":
				clientSpan = s
			case echoRepoID + "/echo":
				serverSpan = s
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if clientSpan == nil || serverSpan == nil {
		t.Fatalf("Missing spans: client %v server %v", clientSpan, serverSpan)
	}
	if serverSpan.Parent().SpanID() != clientSpan.SpanContext().SpanID() {
		t.Error("Server span is not a child of the client span")
	}
	if serverSpan.SpanContext().TraceID() != clientSpan.SpanContext().TraceID() {
		t.Error("Server span belongs to another trace")
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	_, endpoint, oid := echoORB(t)
	client := newTestORB(t)
	ctx := testContext(t)
	conn, err := client.Connect(ctx, endpoint)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := client.Client().Call(ctx, conn, oid, "echo", cdr(t), time.Second); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	if err := client.Shutdown(true); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
	select {
	case <-conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("connection still open after shutdown")
	}
	if client.IsInitialized() {
		t.Error("ORB still initialized after shutdown")
	}
}

func errString(err error) string {
	if err == nil {
		return "nil"
	}
	return err.Error()
}
