package corba

import (
	"sync/atomic"
	"time"

	"github.com/ifabos/miniorb/giop"
)

// PendingCall is an outgoing request awaiting its reply. It resolves exactly
// once: by reply, by deadline or by connection failure.
type PendingCall struct {
	RequestID uint32
	Created   time.Time
	Deadline  time.Time

	resolved atomic.Bool
	done     chan struct{}
	reply    *giop.Message
	err      error
}

func newPendingCall(id uint32, deadline time.Time) *PendingCall {
	return &PendingCall{
		RequestID: id,
		Created:   time.Now(),
		Deadline:  deadline,
		done:      make(chan struct{}),
	}
}

// resolve stores the outcome. Later attempts are no-ops returning false.
func (p *PendingCall) resolve(reply *giop.Message, err error) bool {
	if !p.resolved.CompareAndSwap(false, true) {
		return false
	}
	p.reply = reply
	p.err = err
	close(p.done)
	return true
}

// Done is closed once the call has resolved
func (p *PendingCall) Done() <-chan struct{} {
	return p.done
}

// Resolved reports whether an outcome has been stored
func (p *PendingCall) Resolved() bool {
	return p.resolved.Load()
}

// Result returns the reply message or the failure. It must only be called
// after Done is closed.
func (p *PendingCall) Result() (*giop.Message, error) {
	return p.reply, p.err
}
