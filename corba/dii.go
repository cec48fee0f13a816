package corba

import (
	"context"
	"sync"

	"github.com/ifabos/miniorb/giop"
)

// RequestStatus tracks a dynamic request through its life
type RequestStatus int

// Request status
const (
	StatusInit RequestStatus = iota
	StatusInProgress
	StatusCompleted
	StatusError
)

// Request is a dynamic invocation built argument by argument. It can be
// invoked synchronously, sent oneway, or sent deferred and collected later
// with PollResponse and GetResponse.
type Request struct {
	Target    *ObjectRef
	Operation string
	Arguments []interface{}

	client *Client

	mu     sync.Mutex
	status RequestStatus
	done   chan struct{}
	cancel context.CancelFunc
	result giop.Payload
	err    error
}

// CreateRequest starts a dynamic request for operation on target
func (c *Client) CreateRequest(target *ObjectRef, operation string) *Request {
	return &Request{
		Target:    target,
		Operation: operation,
		client:    c,
		done:      make(chan struct{}),
	}
}

// AddArgument appends an in argument
func (r *Request) AddArgument(value interface{}) *Request {
	r.Arguments = append(r.Arguments, value)
	return r
}

// Status reports where the request is
func (r *Request) Status() RequestStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Request) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Target == nil || len(r.Target.Key) == 0 {
		return INV_OBJREF(4, CompletionStatusNo).WithDescription("request without a target")
	}
	if r.status != StatusInit {
		return BAD_INV_ORDER(3, CompletionStatusNo).WithDescription("request %s already sent", r.Operation)
	}
	r.status = StatusInProgress
	return nil
}

func (r *Request) finish(result giop.Payload, err error) {
	r.mu.Lock()
	r.result, r.err = result, err
	if err != nil {
		r.status = StatusError
	} else {
		r.status = StatusCompleted
	}
	r.mu.Unlock()
	close(r.done)
}

// Invoke sends the request and waits for its result
func (r *Request) Invoke(ctx context.Context) (giop.Payload, error) {
	if err := r.begin(); err != nil {
		return giop.Payload{}, err
	}
	result, err := r.Target.Invoke(ctx, r.client, r.Operation, r.Arguments...)
	r.finish(result, err)
	return result, err
}

// SendOneway sends the request without expecting a reply
func (r *Request) SendOneway(ctx context.Context) error {
	if err := r.begin(); err != nil {
		return err
	}
	err := r.sendOneway(ctx)
	r.finish(giop.Payload{}, err)
	return err
}

func (r *Request) sendOneway(ctx context.Context) error {
	payload, err := giop.MarshalPayload(r.client.encoding, r.Arguments...)
	if err != nil {
		return MARSHAL(5, CompletionStatusNo).WithDescription("%s arguments: %v", r.Operation, err)
	}
	conn, err := r.client.manager.Connect(ctx, r.Target.Endpoint)
	if err != nil {
		return err
	}
	return r.client.CallOneway(ctx, conn, r.Target.Key, r.Operation, payload)
}

// SendDeferred sends the request and returns at once. The call runs under
// ctx, and Cancel abandons it.
func (r *Request) SendDeferred(ctx context.Context) error {
	if err := r.begin(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		defer cancel()
		r.finish(r.Target.Invoke(ctx, r.client, r.Operation, r.Arguments...))
	}()
	return nil
}

// PollResponse reports whether a sent request has completed
func (r *Request) PollResponse() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// GetResponse waits for a sent request to complete and returns its
// outcome. Giving up on ctx leaves the request running.
func (r *Request) GetResponse(ctx context.Context) (giop.Payload, error) {
	if r.Status() == StatusInit {
		return giop.Payload{}, BAD_INV_ORDER(4, CompletionStatusNo).WithDescription("request %s not sent", r.Operation)
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return giop.Payload{}, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// Cancel abandons a deferred request
func (r *Request) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
