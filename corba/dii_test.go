package corba_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ifabos/miniorb/corba"
)

func TestRequestDeferred(t *testing.T) {
	server, _, oid := echoORB(t)
	ref, err := server.ObjectToReference(oid)
	if err != nil {
		t.Fatalf("ObjectToReference failed: %v", err)
	}
	client := newTestORB(t)
	ctx := testContext(t)

	req := client.Client().CreateRequest(ref, "echo").AddArgument("deferred").AddArgument(int32(3))
	if _, err := req.GetResponse(ctx); !errors.Is(err, corba.BAD_INV_ORDER(0, corba.CompletionStatusNo)) {
		t.Errorf("Expected BAD_INV_ORDER before sending, got %v", err)
	}
	if err := req.SendDeferred(ctx); err != nil {
		t.Fatalf("SendDeferred failed: %v", err)
	}
	if err := req.SendDeferred(ctx); !errors.Is(err, corba.BAD_INV_ORDER(0, corba.CompletionStatusNo)) {
		t.Errorf("Expected BAD_INV_ORDER on a second send, got %v", err)
	}

	result, err := req.GetResponse(ctx)
	if err != nil {
		t.Fatalf("GetResponse failed: %v", err)
	}
	if !req.PollResponse() || req.Status() != corba.StatusCompleted {
		t.Errorf("Expected a completed request, got status %d", req.Status())
	}
	var (
		s string
		n int32
	)
	if err := result.Unmarshal(&s, &n); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if s != "deferred" || n != 3 {
		t.Errorf("Unexpected result %q %d", s, n)
	}
}

func TestRequestErrorAndCancel(t *testing.T) {
	server, _, oid := echoORB(t)
	started := make(chan struct{}, 1)
	err := server.RegisterSkeleton(echoRepoID, "block", func(ctx context.Context, req *corba.ServerRequest) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("RegisterSkeleton failed: %v", err)
	}
	ref, err := server.ObjectToReference(oid)
	if err != nil {
		t.Fatalf("ObjectToReference failed: %v", err)
	}
	client := newTestORB(t)
	ctx := testContext(t)

	failing := client.Client().CreateRequest(ref, "fail")
	if _, err := failing.Invoke(ctx); !corba.IsUserException(err) {
		t.Errorf("Expected a user exception, got %v", err)
	}
	if failing.Status() != corba.StatusError {
		t.Errorf("Expected StatusError, got %d", failing.Status())
	}

	blocked := client.Client().CreateRequest(ref, "block")
	if err := blocked.SendDeferred(ctx); err != nil {
		t.Fatalf("SendDeferred failed: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("block never dispatched")
	}
	if blocked.PollResponse() {
		t.Error("Blocked request completed early")
	}
	blocked.Cancel()
	if _, err := blocked.GetResponse(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestRequestOneway(t *testing.T) {
	server, _, oid := echoORB(t)
	notes := make(chan string, 1)
	err := server.RegisterSkeleton(echoRepoID, "note", func(ctx context.Context, req *corba.ServerRequest) error {
		var s string
		if err := req.Decode(&s); err != nil {
			return err
		}
		notes <- s
		return nil
	})
	if err != nil {
		t.Fatalf("RegisterSkeleton failed: %v", err)
	}
	ref, err := server.ObjectToReference(oid)
	if err != nil {
		t.Fatalf("ObjectToReference failed: %v", err)
	}
	client := newTestORB(t)

	if err := client.Client().CreateRequest(ref, "note").AddArgument("hi").SendOneway(testContext(t)); err != nil {
		t.Fatalf("SendOneway failed: %v", err)
	}
	select {
	case s := <-notes:
		if s != "hi" {
			t.Errorf("Unexpected note %q", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("oneway never dispatched")
	}

	if _, err := client.Client().CreateRequest(nil, "note").Invoke(testContext(t)); !errors.Is(err, corba.INV_OBJREF(0, corba.CompletionStatusNo)) {
		t.Errorf("Expected INV_OBJREF for a nil target, got %v", err)
	}
}
