package corba_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ifabos/miniorb/corba"
)

func TestSystemExceptionMatchesByName(t *testing.T) {
	err := corba.OBJECT_NOT_EXIST(9, corba.CompletionStatusMaybe).WithDescription("gone")
	if !errors.Is(err, corba.ErrNoSuchObject) {
		t.Error("Expected OBJECT_NOT_EXIST to match ErrNoSuchObject")
	}
	if errors.Is(err, corba.ErrTimeout) {
		t.Error("OBJECT_NOT_EXIST must not match ErrTimeout")
	}

	wrapped := fmt.Errorf("calling: %w", err)
	if !errors.Is(wrapped, corba.ErrNoSuchObject) {
		t.Error("Expected wrapped exception to match")
	}
	if !corba.IsSystemException(wrapped) || corba.IsUserException(wrapped) {
		t.Error("Wrapped system exception misclassified")
	}
}

func TestWithDescriptionCopies(t *testing.T) {
	described := corba.ErrTimeout.WithDescription("after %ds", 3)
	if corba.ErrTimeout.Description() != "" {
		t.Error("WithDescription modified the sentinel")
	}
	if !strings.HasSuffix(described.Error(), ": after 3s") {
		t.Errorf("Unexpected message %q", described.Error())
	}
}

func TestConnectErrorIsTransient(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(&corba.ConnectError{Endpoint: "127.0.0.1:1", Err: cause})
	if !errors.Is(err, corba.TRANSIENT(0, corba.CompletionStatusNo)) {
		t.Error("Expected ConnectError to match TRANSIENT")
	}
	if !errors.Is(err, cause) {
		t.Error("Expected ConnectError to unwrap to its cause")
	}
}

func TestThrowableToException(t *testing.T) {
	user := corba.NewCORBAUserException("Full", "IDL:test/Full:1.0")
	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{"exception", corba.BAD_PARAM(1, corba.CompletionStatusNo), "BAD_PARAM"},
		{"wrapped user exception", fmt.Errorf("op: %w", user), "Full"},
		{"deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded), "TIMEOUT"},
		{"canceled", context.Canceled, "BAD_INV_ORDER"},
		{"error", errors.New("oops"), "UNKNOWN"},
		{"panic value", 42, "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := corba.ThrowableToException(tt.value)
			if ex == nil || ex.Name() != tt.want {
				t.Errorf("Expected %s, got %v", tt.want, ex)
			}
		})
	}
	if corba.ThrowableToException(nil) != nil {
		t.Error("Expected nil for nil")
	}
}

func TestMarshalSystemException(t *testing.T) {
	in := corba.MARSHAL(4, corba.CompletionStatusYes).WithDescription("bad sequence")
	body, err := corba.MarshalException(in)
	if err != nil {
		t.Fatalf("MarshalException failed: %v", err)
	}
	out, err := corba.UnmarshalException(body)
	if err != nil {
		t.Fatalf("UnmarshalException failed: %v", err)
	}
	sys, ok := out.(*corba.SystemException)
	if !ok {
		t.Fatalf("Expected system exception, got %T", out)
	}
	if sys.Name() != "MARSHAL" || sys.Minor() != 4 || sys.Completed() != corba.CompletionStatusYes || sys.Description() != "bad sequence" {
		t.Errorf("Exception changed in transit: %v", sys)
	}
	if sys.ID() != "IDL:omg.org/CORBA/MARSHAL:1.0" {
		t.Errorf("Unexpected repository id %q", sys.ID())
	}
}

func TestMarshalUserException(t *testing.T) {
	in := corba.NewCORBAUserException("Rejected", "IDL:test/Rejected:1.0").
		SetMember("reason", "quota").
		SetMember("retry", true)
	body, err := corba.MarshalException(in)
	if err != nil {
		t.Fatalf("MarshalException failed: %v", err)
	}
	out, err := corba.UnmarshalException(body)
	if err != nil {
		t.Fatalf("UnmarshalException failed: %v", err)
	}
	user, ok := out.(*corba.UserException)
	if !ok {
		t.Fatalf("Expected user exception, got %T", out)
	}
	if user.Name() != "Rejected" || user.ID() != "IDL:test/Rejected:1.0" {
		t.Errorf("Unexpected exception %v", user)
	}
	if reason, _ := user.GetMember("reason"); reason != "quota" {
		t.Errorf("Unexpected reason %v", reason)
	}
	if retry, _ := user.GetMember("retry"); retry != true {
		t.Errorf("Unexpected retry %v", retry)
	}
	if user.Error() != in.Error() {
		t.Errorf("Expected %q, got %q", in.Error(), user.Error())
	}
}

func TestUnmarshalExceptionRejectsGarbage(t *testing.T) {
	body, _ := corba.MarshalException(corba.UNKNOWN(0, corba.CompletionStatusNo))
	body.Data = body.Data[:len(body.Data)-2]
	if _, err := corba.UnmarshalException(body); err == nil {
		t.Error("Expected truncated exception body to fail")
	}
}
