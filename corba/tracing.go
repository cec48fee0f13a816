package corba

import (
	"context"

	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ifabos/miniorb/giop"
)

const tracerName = "github.com/ifabos/miniorb/corba"

var tracePropagator = propagation.TraceContext{}

func tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName)
}

// injectTrace carries the span context of ctx in a service context
func injectTrace(ctx context.Context, msg *giop.Message) {
	carrier := propagation.MapCarrier{}
	tracePropagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return
	}
	data, err := msgpack.Marshal(map[string]string(carrier))
	if err != nil {
		return
	}
	msg.ServiceContexts = append(msg.ServiceContexts, giop.ServiceContext{
		ID:   giop.ServiceContextTrace,
		Data: data,
	})
}

// extractTrace restores a remote span context carried by a request
func extractTrace(ctx context.Context, contexts giop.ServiceContextList) context.Context {
	data, ok := contexts.Get(giop.ServiceContextTrace)
	if !ok {
		return ctx
	}
	carrier := map[string]string{}
	if err := msgpack.Unmarshal(data, &carrier); err != nil {
		return ctx
	}
	return tracePropagator.Extract(ctx, propagation.MapCarrier(carrier))
}
