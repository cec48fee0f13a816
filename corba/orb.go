package corba

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ifabos/miniorb/giop"
)

const shutdownWait = 5 * time.Second

// ORB represents the Object Request Broker which enables communication
// between objects in a distributed environment. It owns the servant
// registry, the skeleton table, the dispatch worker pool and every
// connection it opened or accepted.
type ORB struct {
	opts options
	log  logrus.FieldLogger

	registry   *Registry
	skeletons  *SkeletonTable
	dispatcher *Dispatcher
	pool       *ants.Pool
	manager    *ConnectionManager
	client     *Client

	mu            sync.RWMutex
	servers       []*Server
	isInitialized bool
}

// Init initializes and returns a new ORB instance
func Init(opts ...Option) (*ORB, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Transport == nil {
		o.Transport = TCPTransport{}
	}
	if !o.PayloadEncoding.Valid() {
		return nil, BAD_PARAM(8, CompletionStatusNo).WithDescription("invalid payload encoding %d", o.PayloadEncoding)
	}

	log := o.Logger
	pool, err := ants.NewPool(o.WorkerPoolSize,
		ants.WithNonblocking(true),
		ants.WithLogger(log),
		ants.WithPanicHandler(func(v interface{}) {
			if _, fatal := v.(*FatalError); fatal {
				panic(v)
			}
			log.Errorf("dispatch worker panic: %v", v)
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create worker pool")
	}

	interceptors := []ServerInterceptor{
		LoggingInterceptor(log),
		TracingInterceptor(o.TracerProvider),
	}
	if o.RateLimit > 0 {
		interceptors = append(interceptors, RateLimitInterceptor(o.RateLimit, o.RateBurst))
	}
	interceptors = append(interceptors, o.Interceptors...)

	orb := &ORB{
		opts:          o,
		log:           log,
		registry:      NewRegistry(),
		skeletons:     NewSkeletonTable(),
		pool:          pool,
		isInitialized: true,
	}
	orb.dispatcher = NewDispatcher(orb.registry, orb.skeletons, log, interceptors...)
	orb.manager = newConnectionManager(o.Transport, connConfig{
		codec:       giop.NewCodec(o.MaxFrameSize),
		dispatcher:  orb.dispatcher,
		pool:        pool,
		maxInFlight: o.MaxInFlight,
		log:         log,
	})
	orb.client = &Client{
		manager:        orb.manager,
		defaultTimeout: o.DefaultTimeout,
		encoding:       o.PayloadEncoding,
		tracer:         tracer(o.TracerProvider),
		log:            log,
	}
	return orb, nil
}

// Registry returns the servant registry
func (orb *ORB) Registry() *Registry {
	return orb.registry
}

// Skeletons returns the skeleton table
func (orb *ORB) Skeletons() *SkeletonTable {
	return orb.skeletons
}

// Client returns the invocation engine of the ORB
func (orb *ORB) Client() *Client {
	return orb.client
}

// Connections returns the connection manager
func (orb *ORB) Connections() *ConnectionManager {
	return orb.manager
}

// Dispatcher returns the request dispatcher
func (orb *ORB) Dispatcher() *Dispatcher {
	return orb.dispatcher
}

// IsInitialized reports whether the ORB has not been shut down
func (orb *ORB) IsInitialized() bool {
	orb.mu.RLock()
	defer orb.mu.RUnlock()
	return orb.isInitialized
}

// RegisterServant activates a servant and returns its object id
func (orb *ORB) RegisterServant(servant Servant) (ObjectID, error) {
	return orb.registry.Register(servant)
}

// RegisterSkeleton installs the handler of one operation of an interface
func (orb *ORB) RegisterSkeleton(iface, operation string, handler Handler) error {
	return orb.skeletons.RegisterSkeleton(iface, operation, handler)
}

// Deactivate revokes an object id
func (orb *ORB) Deactivate(oid ObjectID) bool {
	return orb.registry.Revoke(oid)
}

// Connect returns a connection to endpoint
func (orb *ORB) Connect(ctx context.Context, endpoint string) (*Connection, error) {
	return orb.manager.Connect(ctx, endpoint)
}

// ObjectToReference builds a reference to a servant of this ORB. The
// endpoint is the one of the first running server.
func (orb *ORB) ObjectToReference(oid ObjectID) (*ObjectRef, error) {
	servant, err := orb.registry.Lookup(oid)
	if err != nil {
		return nil, err
	}

	endpoint := orb.endpoint()
	if endpoint == "" {
		return nil, OBJ_ADAPTER(1, CompletionStatusNo).WithDescription("no server is running")
	}
	return NewObjectRef(servant.RepositoryID(), endpoint, oid), nil
}

// ObjectToString converts an ObjectRef to a stringified object reference (IOR)
func (orb *ORB) ObjectToString(objRef *ObjectRef) (string, error) {
	if objRef == nil || len(objRef.Key) == 0 {
		return "", INV_OBJREF(4, CompletionStatusNo).WithDescription("empty object reference")
	}
	return objRef.String(), nil
}

// StringToObject converts a stringified object reference (IOR) to an ObjectRef
func (orb *ORB) StringToObject(ior string) (*ObjectRef, error) {
	return ParseIOR(ior)
}

func (orb *ORB) endpoint() string {
	orb.mu.RLock()
	defer orb.mu.RUnlock()
	for _, s := range orb.servers {
		if s.IsRunning() {
			return s.Endpoint()
		}
	}
	return ""
}

// Shutdown terminates the ORB: servers stop accepting, every connection
// closes and every servant is revoked. With wait set it waits a bounded
// time for running dispatches.
func (orb *ORB) Shutdown(wait bool) error {
	orb.mu.Lock()
	if !orb.isInitialized {
		orb.mu.Unlock()
		return nil
	}
	orb.isInitialized = false
	servers := orb.servers
	orb.servers = nil
	orb.mu.Unlock()

	for _, s := range servers {
		if err := s.Shutdown(); err != nil {
			orb.log.WithError(err).Debug("server shutdown")
		}
	}
	err := orb.manager.Close()

	if wait {
		if perr := orb.pool.ReleaseTimeout(shutdownWait); perr != nil {
			orb.log.WithError(perr).Warn("dispatches still running at shutdown")
		}
	} else {
		orb.pool.Release()
	}

	orb.registry.Clear()
	return err
}
