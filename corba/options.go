package corba

import (
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ifabos/miniorb/giop"
)

// Defaults of an ORB created without options
const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxInFlight    = 64
	DefaultWorkerPoolSize = 256
)

type Option func(opt *options)

type options struct {
	Logger          logrus.FieldLogger
	Transport       Transport
	MaxFrameSize    uint32
	DefaultTimeout  time.Duration
	MaxInFlight     int64
	WorkerPoolSize  int
	RateLimit       rate.Limit // zero disables rate limiting
	RateBurst       int
	TracerProvider  trace.TracerProvider // nil uses the global provider
	PayloadEncoding giop.Encoding
	Interceptors    []ServerInterceptor
}

func defaultOptions() options {
	return options{
		Logger:          logrus.StandardLogger(),
		Transport:       TCPTransport{},
		MaxFrameSize:    giop.DefaultMaxFrameSize,
		DefaultTimeout:  DefaultTimeout,
		MaxInFlight:     DefaultMaxInFlight,
		WorkerPoolSize:  DefaultWorkerPoolSize,
		PayloadEncoding: giop.EncodingCDR,
	}
}

// WithLogger sets the logger of the ORB and everything it creates
func WithLogger(log logrus.FieldLogger) Option {
	return func(opt *options) {
		opt.Logger = log
	}
}

// WithTransport sets the stream transport used to dial and listen
func WithTransport(t Transport) Option {
	return func(opt *options) {
		opt.Transport = t
	}
}

// WithMaxFrameSize bounds the body length accepted from peers
func WithMaxFrameSize(n uint32) Option {
	return func(opt *options) {
		opt.MaxFrameSize = n
	}
}

// WithDefaultTimeout sets the deadline of calls made without a timeout.
// Zero leaves such calls bounded only by their context.
func WithDefaultTimeout(d time.Duration) Option {
	return func(opt *options) {
		opt.DefaultTimeout = d
	}
}

// WithMaxInFlight bounds the dispatches running at once for one connection
func WithMaxInFlight(n int64) Option {
	return func(opt *options) {
		opt.MaxInFlight = n
	}
}

// WithWorkerPoolSize sets the size of the dispatch worker pool shared by
// all connections.
func WithWorkerPoolSize(n int) Option {
	return func(opt *options) {
		opt.WorkerPoolSize = n
	}
}

// WithRateLimit rejects incoming requests above r per second with TRANSIENT
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(opt *options) {
		opt.RateLimit = r
		opt.RateBurst = burst
	}
}

// WithTracerProvider sets the provider of client and server spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(opt *options) {
		opt.TracerProvider = tp
	}
}

// WithPayloadEncoding sets the encoding ObjectRef.Invoke marshals arguments with
func WithPayloadEncoding(enc giop.Encoding) Option {
	return func(opt *options) {
		opt.PayloadEncoding = enc
	}
}

// WithInterceptors appends server interceptors, run inside the built-in ones
func WithInterceptors(interceptors ...ServerInterceptor) Option {
	return func(opt *options) {
		opt.Interceptors = append(opt.Interceptors, interceptors...)
	}
}
