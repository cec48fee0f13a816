package corba

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/ifabos/miniorb/giop"
)

const (
	readChunkSize      = 32 << 10
	controlSendTimeout = time.Second
)

// connConfig is what a Connection needs from its ORB
type connConfig struct {
	codec       *giop.Codec
	dispatcher  *Dispatcher
	pool        *ants.Pool
	maxInFlight int64
	log         logrus.FieldLogger
}

// Connection is one bidirectional peer stream. A single reader goroutine
// decodes incoming frames; replies resolve pending calls and requests are
// dispatched on the worker pool.
type Connection struct {
	endpoint   string
	conn       net.Conn
	codec      *giop.Codec
	dispatcher *Dispatcher
	pool       *ants.Pool
	sem        *semaphore.Weighted
	log        logrus.FieldLogger

	// wlock serializes frame writes; it is a channel so waiting writers can
	// give up when their context ends.
	wlock chan struct{}

	mu       sync.Mutex
	nextID   uint32
	pending  map[uint32]*PendingCall
	inflight map[uint32]context.CancelFunc
	closed   bool
	closeErr error

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	onClose func(*Connection)
}

func newConnection(nc net.Conn, endpoint string, cfg connConfig, onClose func(*Connection)) *Connection {
	if cfg.codec == nil {
		cfg.codec = giop.DefaultCodec
	}
	if cfg.maxInFlight <= 0 {
		cfg.maxInFlight = DefaultMaxInFlight
	}
	if cfg.log == nil {
		cfg.log = logrus.StandardLogger()
	}
	if cfg.dispatcher == nil {
		cfg.dispatcher = NewDispatcher(NewRegistry(), NewSkeletonTable(), cfg.log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		endpoint:   endpoint,
		conn:       nc,
		codec:      cfg.codec,
		dispatcher: cfg.dispatcher,
		pool:       cfg.pool,
		sem:        semaphore.NewWeighted(cfg.maxInFlight),
		log:        cfg.log.WithField("endpoint", endpoint),
		wlock:      make(chan struct{}, 1),
		nextID:     1,
		pending:    make(map[uint32]*PendingCall),
		inflight:   make(map[uint32]context.CancelFunc),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		onClose:    onClose,
	}
	go c.readLoop()
	return c
}

// Endpoint returns the peer endpoint the connection is keyed by
func (c *Connection) Endpoint() string {
	return c.endpoint
}

// Done is closed once the connection has closed
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection closed, or nil while it is open
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Closed reports whether the connection has closed
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// PendingCount returns the number of calls awaiting a reply
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Connection) readLoop() {
	var buf bytes.Buffer
	chunk := make([]byte, readChunkSize)

	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if !c.drain(&buf) {
				return
			}
		}
		if err != nil {
			c.closeWithError(ErrConnectionLost.WithDescription("read from %s: %v", c.endpoint, err))
			return
		}
	}
}

// drain decodes and routes every complete frame in buf. It returns false
// once the connection must stop reading.
func (c *Connection) drain(buf *bytes.Buffer) bool {
	for {
		msg, used, err := c.codec.Decode(buf.Bytes())
		if errors.Is(err, giop.ErrIncompleteFrame) {
			return true
		}
		if err != nil {
			c.log.WithError(err).Warn("malformed frame, closing connection")
			c.sendControl(giop.NewMessageErrorMessage(err.Error()))
			c.closeWithError(ErrConnectionLost.WithDescription("malformed frame from %s: %v", c.endpoint, err))
			return false
		}
		buf.Next(used)
		if !c.route(msg) {
			return false
		}
	}
}

func (c *Connection) route(msg *giop.Message) bool {
	switch msg.Type {
	case giop.MsgReply, giop.MsgException, giop.MsgLocateReply:
		call := c.takePending(msg.RequestID)
		if call == nil || !call.resolve(msg, nil) {
			c.log.WithFields(logrus.Fields{
				"request_id": msg.RequestID,
				"type":       msg.Type,
			}).Debug("discarding reply with no pending call")
		}

	case giop.MsgRequest:
		return c.serveRequest(msg)

	case giop.MsgLocateRequest:
		status := c.dispatcher.Locate(ObjectID(msg.ObjectKey))
		if err := c.Send(giop.NewLocateReplyMessage(msg.RequestID, status)); err != nil {
			return false
		}

	case giop.MsgCancelRequest:
		c.mu.Lock()
		cancel := c.inflight[msg.RequestID]
		c.mu.Unlock()
		if cancel != nil {
			c.log.WithField("request_id", msg.RequestID).Debug("request canceled by peer")
			cancel()
		}

	case giop.MsgCloseConnection:
		c.closeWithError(ErrConnectionLost.WithDescription("connection closed by %s", c.endpoint))
		return false

	case giop.MsgMessageError:
		c.closeWithError(ErrConnectionLost.WithDescription("%s reported a message error: %s", c.endpoint, msg.Reason))
		return false
	}
	return true
}

// serveRequest hands a request to the worker pool. It blocks the reader
// while the connection already has maxInFlight dispatches running.
func (c *Connection) serveRequest(msg *giop.Message) bool {
	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		return false
	}

	ctx, cancel := context.WithCancel(c.ctx)
	if msg.ResponseExpected {
		c.mu.Lock()
		c.inflight[msg.RequestID] = cancel
		c.mu.Unlock()
	}
	finish := func() {
		if msg.ResponseExpected {
			c.mu.Lock()
			delete(c.inflight, msg.RequestID)
			c.mu.Unlock()
		}
		cancel()
		c.sem.Release(1)
	}

	task := func() {
		defer finish()
		reply := c.dispatcher.Dispatch(ctx, msg)
		if !msg.ResponseExpected {
			return
		}
		if err := c.Send(reply); err != nil {
			c.log.WithError(err).WithField("request_id", msg.RequestID).Debug("reply not sent")
		}
	}

	if c.pool == nil {
		go task()
		return true
	}
	if err := c.pool.Submit(task); err != nil {
		finish()
		c.log.WithError(err).WithField("request_id", msg.RequestID).Warn("worker pool rejected request")
		if msg.ResponseExpected {
			body, _ := MarshalException(NO_RESOURCES(2, CompletionStatusNo).WithDescription("worker pool: %v", err))
			if err := c.Send(giop.NewExceptionMessage(msg, body)); err != nil {
				return false
			}
		}
	}
	return true
}

// allocateIDLocked returns the next request id not held by a pending call
func (c *Connection) allocateIDLocked() uint32 {
	for {
		id := c.nextID
		c.nextID++
		if _, busy := c.pending[id]; !busy {
			return id
		}
	}
}

// startCall assigns msg a fresh request id, registers a pending call for it
// and writes the frame.
func (c *Connection) startCall(ctx context.Context, msg *giop.Message) (*PendingCall, error) {
	deadline, _ := ctx.Deadline()

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	msg.RequestID = c.allocateIDLocked()
	call := newPendingCall(msg.RequestID, deadline)
	c.pending[msg.RequestID] = call
	c.mu.Unlock()

	if err := c.send(ctx, msg); err != nil {
		c.takePending(msg.RequestID)
		return nil, err
	}
	return call, nil
}

// sendOneway writes a request that expects no reply
func (c *Connection) sendOneway(ctx context.Context, msg *giop.Message) error {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	msg.RequestID = c.allocateIDLocked()
	c.mu.Unlock()
	return c.send(ctx, msg)
}

// takePending removes and returns the pending call for id, if any
func (c *Connection) takePending(id uint32) *PendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}

// Send writes a message to the peer
func (c *Connection) Send(msg *giop.Message) error {
	return c.send(context.Background(), msg)
}

func (c *Connection) send(ctx context.Context, msg *giop.Message) error {
	data, err := c.codec.Encode(msg)
	if err != nil {
		return MARSHAL(3, CompletionStatusNo).WithDescription("encode %s: %v", msg.Type, err)
	}

	select {
	case c.wlock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.Err()
	}

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	_, err = c.conn.Write(data)
	<-c.wlock

	if err != nil {
		lost := ErrConnectionLost.WithDescription("write to %s: %v", c.endpoint, err)
		c.closeWithError(lost)
		return lost
	}
	return nil
}

// sendControl writes a protocol control message, giving up after a short
// while.
func (c *Connection) sendControl(msg *giop.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), controlSendTimeout)
	defer cancel()
	if err := c.send(ctx, msg); err != nil {
		c.log.WithError(err).WithField("type", msg.Type).Debug("control message not sent")
	}
}

// Close sends CloseConnection to the peer and closes the stream. Every
// pending call resolves with ErrConnectionLost.
func (c *Connection) Close() error {
	if c.Closed() {
		return nil
	}
	c.sendControl(giop.NewCloseConnectionMessage())
	c.closeWithError(ErrConnectionLost.WithDescription("connection to %s closed", c.endpoint))
	return nil
}

func (c *Connection) closeWithError(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[uint32]*PendingCall)
	c.mu.Unlock()

	c.cancel()
	_ = c.conn.Close()
	close(c.done)

	for _, call := range pending {
		call.resolve(nil, err)
	}
	c.log.WithError(err).WithField("pending", len(pending)).Debug("connection closed")

	if c.onClose != nil {
		c.onClose(c)
	}
}
