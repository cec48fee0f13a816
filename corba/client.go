package corba

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ifabos/miniorb/giop"
)

// Client is the request invocation engine: it sends requests over
// connections and waits for their replies.
type Client struct {
	manager        *ConnectionManager
	defaultTimeout time.Duration
	encoding       giop.Encoding
	tracer         trace.Tracer
	log            logrus.FieldLogger
}

// Call invokes operation on the object oid served at the other end of
// conn and waits for the result. A timeout of zero uses the client default.
// It fails with ErrTimeout, ErrConnectionLost or the exception raised by
// the remote servant.
func (c *Client) Call(ctx context.Context, conn *Connection, oid ObjectID, operation string, args giop.Payload, timeout time.Duration) (giop.Payload, error) {
	ctx, span := c.tracer.Start(ctx, operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "miniorb"),
			attribute.String("rpc.method", operation),
			attribute.String("net.peer.name", conn.Endpoint()),
		))
	defer span.End()

	result, err := c.call(ctx, conn, oid, operation, args, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (c *Client) call(ctx context.Context, conn *Connection, oid ObjectID, operation string, args giop.Payload, timeout time.Duration) (giop.Payload, error) {
	ctx, cancel := c.withTimeout(ctx, timeout)
	defer cancel()

	msg := giop.NewRequestMessage(0, oid, operation, true)
	msg.Payload = args
	injectTrace(ctx, msg)

	reply, err := c.roundTrip(ctx, conn, msg)
	if err != nil {
		return giop.Payload{}, err
	}

	switch reply.Type {
	case giop.MsgReply:
		return reply.Payload, nil
	case giop.MsgException:
		ex, err := UnmarshalException(reply.Payload)
		if err != nil {
			return giop.Payload{}, MARSHAL(4, CompletionStatusMaybe).WithDescription("exception reply to %s: %v", operation, err)
		}
		return giop.Payload{}, ex
	default:
		return giop.Payload{}, INTERNAL(1, CompletionStatusMaybe).WithDescription("unexpected %s reply to %s", reply.Type, operation)
	}
}

// CallOneway sends a request without waiting for, or getting, a reply
func (c *Client) CallOneway(ctx context.Context, conn *Connection, oid ObjectID, operation string, args giop.Payload) error {
	ctx, cancel := c.withTimeout(ctx, 0)
	defer cancel()

	msg := giop.NewRequestMessage(0, oid, operation, false)
	msg.Payload = args
	injectTrace(ctx, msg)

	if err := conn.sendOneway(ctx, msg); err != nil {
		return c.contextError(ctx, msg, err)
	}
	return nil
}

// Locate asks the peer whether it serves oid
func (c *Client) Locate(ctx context.Context, conn *Connection, oid ObjectID, timeout time.Duration) (bool, error) {
	ctx, cancel := c.withTimeout(ctx, timeout)
	defer cancel()

	reply, err := c.roundTrip(ctx, conn, giop.NewLocateRequestMessage(0, oid))
	if err != nil {
		return false, err
	}
	if reply.Type != giop.MsgLocateReply {
		return false, INTERNAL(2, CompletionStatusMaybe).WithDescription("unexpected %s reply to locate request", reply.Type)
	}
	return reply.LocateStatus == giop.LocateStatusObjectHere, nil
}

func (c *Client) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// roundTrip sends msg and waits for the matching response. When ctx ends
// first the pending call is dropped and the peer is asked to cancel it;
// a reply arriving later is discarded by the reader.
func (c *Client) roundTrip(ctx context.Context, conn *Connection, msg *giop.Message) (*giop.Message, error) {
	call, err := conn.startCall(ctx, msg)
	if err != nil {
		return nil, c.contextError(ctx, msg, err)
	}

	select {
	case <-call.Done():
		return call.Result()
	case <-ctx.Done():
	}

	conn.takePending(call.RequestID)
	failure := c.contextError(ctx, msg, ctx.Err())
	if !call.resolve(nil, failure) {
		// the reply won the race
		return call.Result()
	}

	c.log.WithFields(logrus.Fields{
		"endpoint":   conn.Endpoint(),
		"request_id": call.RequestID,
		"operation":  msg.Operation,
		"elapsed":    time.Since(call.Created),
	}).Debug("call abandoned")
	if msg.Type == giop.MsgRequest {
		go conn.sendControl(giop.NewCancelRequestMessage(call.RequestID))
	}
	return nil, failure
}

// contextError maps a failure seen while ctx may have ended to the error
// reported to callers.
func (c *Client) contextError(ctx context.Context, msg *giop.Message, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrTimeout.WithDescription("request %d (%s) timed out", msg.RequestID, msg.Operation)
	case ctx.Err() != nil:
		return errors.Wrapf(ctx.Err(), "request %d (%s)", msg.RequestID, msg.Operation)
	}
	return err
}
