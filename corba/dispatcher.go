package corba

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ifabos/miniorb/giop"
)

// Dispatcher routes decoded requests to servants through the registry and
// the skeleton table, and turns the outcome into a reply or exception.
type Dispatcher struct {
	registry  *Registry
	skeletons *SkeletonTable
	invoke    DispatchFunc
	log       logrus.FieldLogger
}

// NewDispatcher creates a dispatcher over the given registry and skeletons.
// Interceptors wrap every invocation, the first one outermost.
func NewDispatcher(registry *Registry, skeletons *SkeletonTable, log logrus.FieldLogger, interceptors ...ServerInterceptor) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &Dispatcher{
		registry:  registry,
		skeletons: skeletons,
		log:       log,
	}
	d.invoke = ChainInterceptors(interceptors...)(d.invokeServant)
	return d
}

// Dispatch serves one request message. The returned message is a Reply or
// an Exception; it is never nil and Dispatch never panics on servant
// failures. Only a *FatalError raised by a handler escapes.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *giop.Message) *giop.Message {
	oid := ObjectID(msg.ObjectKey)
	servant, err := d.registry.Lookup(oid)
	if err != nil {
		return d.exceptionReply(msg, err)
	}

	req := &ServerRequest{
		Operation:        msg.Operation,
		ObjectID:         oid,
		Servant:          servant,
		Interface:        servant.RepositoryID(),
		RequestID:        msg.RequestID,
		ResponseExpected: msg.ResponseExpected,
		ServiceContexts:  msg.ServiceContexts,
		Arguments:        msg.Payload,
		Result:           giop.Payload{Encoding: msg.Payload.Encoding},
	}

	if err := d.safeInvoke(ctx, req); err != nil {
		return d.exceptionReply(msg, err)
	}
	return giop.NewReplyMessage(msg, req.Result)
}

// Locate reports whether oid is served here
func (d *Dispatcher) Locate(oid ObjectID) uint32 {
	if _, err := d.registry.Lookup(oid); err != nil {
		return giop.LocateStatusUnknownObject
	}
	return giop.LocateStatusObjectHere
}

func (d *Dispatcher) invokeServant(ctx context.Context, req *ServerRequest) error {
	if handler, ok := d.skeletons.Lookup(req.Interface, req.Operation); ok {
		return handler(ctx, req)
	}
	if dyn, ok := req.Servant.(DynamicImplementation); ok {
		return dyn.Invoke(ctx, req)
	}
	return ErrNoSuchOperation.WithDescription("operation %s not found on %s", req.Operation, req.Interface)
}

// safeInvoke runs the interceptor chain and the handler, converting
// panics into exceptions.
func (d *Dispatcher) safeInvoke(ctx context.Context, req *ServerRequest) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if fatal, ok := r.(*FatalError); ok {
			panic(fatal)
		}
		d.log.WithFields(logrus.Fields{
			"operation":  req.Operation,
			"object_id":  req.ObjectID.String(),
			"request_id": req.RequestID,
		}).Errorf("servant panic: %+v", errors.WithStack(errors.Errorf("%v", r)))
		err = ThrowableToException(r)
	}()

	return d.invoke(ctx, req)
}

func (d *Dispatcher) exceptionReply(msg *giop.Message, err error) *giop.Message {
	ex := ThrowableToException(err)
	body, merr := MarshalException(ex)
	if merr != nil {
		d.log.WithError(merr).WithField("operation", msg.Operation).Warn("exception marshalling failed")
		body, _ = MarshalException(MARSHAL(2, CompletionStatusMaybe).WithDescription("%v", err))
	}
	return giop.NewExceptionMessage(msg, body)
}
