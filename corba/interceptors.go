package corba

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// DispatchFunc serves a request that has been routed to its servant
type DispatchFunc func(ctx context.Context, req *ServerRequest) error

// ServerInterceptor wraps server-side request processing
type ServerInterceptor func(next DispatchFunc) DispatchFunc

// ChainInterceptors composes interceptors; the first one is outermost
func ChainInterceptors(interceptors ...ServerInterceptor) ServerInterceptor {
	return func(next DispatchFunc) DispatchFunc {
		for i := len(interceptors) - 1; i >= 0; i-- {
			next = interceptors[i](next)
		}
		return next
	}
}

// LoggingInterceptor logs every dispatched request with its duration
func LoggingInterceptor(log logrus.FieldLogger) ServerInterceptor {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, req *ServerRequest) error {
			start := time.Now()
			err := next(ctx, req)
			entry := log.WithFields(logrus.Fields{
				"interface":  req.Interface,
				"operation":  req.Operation,
				"request_id": req.RequestID,
				"duration":   time.Since(start),
			})
			if err != nil {
				entry.WithError(err).Info("request failed")
			} else {
				entry.Debug("request served")
			}
			return err
		}
	}
}

// RateLimitInterceptor rejects requests above r per second with TRANSIENT
func RateLimitInterceptor(r rate.Limit, burst int) ServerInterceptor {
	limiter := rate.NewLimiter(r, burst)
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, req *ServerRequest) error {
			if !limiter.Allow() {
				return TRANSIENT(2, CompletionStatusNo).WithDescription("rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}

// TracingInterceptor starts a server span per request, parented by the
// span context the caller propagated.
func TracingInterceptor(tp trace.TracerProvider) ServerInterceptor {
	t := tracer(tp)
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, req *ServerRequest) error {
			ctx = extractTrace(ctx, req.ServiceContexts)
			ctx, span := t.Start(ctx, req.Interface+"/"+req.Operation,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("rpc.system", "miniorb"),
					attribute.String("rpc.method", req.Operation),
					attribute.String("corba.object_id", req.ObjectID.String()),
				))
			defer span.End()

			err := next(ctx, req)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

// Validator checks the decoded arguments of one operation
type Validator func(args []interface{}) error

// ValidationInterceptor runs the validator registered for an operation
// before its servant. A failing validator rejects the request with
// BAD_PARAM and the servant is not called.
func ValidationInterceptor(validators map[string]Validator) ServerInterceptor {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, req *ServerRequest) error {
			validate, ok := validators[req.Operation]
			if !ok {
				return next(ctx, req)
			}
			args, err := req.Arguments.Values()
			if err != nil {
				return BAD_PARAM(1, CompletionStatusNo).WithDescription("%s arguments: %v", req.Operation, err)
			}
			if err := validate(args); err != nil {
				return BAD_PARAM(9, CompletionStatusNo).WithDescription("%s: %v", req.Operation, err)
			}
			return next(ctx, req)
		}
	}
}
