// Package corba provides the miniorb runtime: object registry, skeleton
// dispatch, connection management and request invocation.
package corba

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ifabos/miniorb/giop"
)

// CompletionStatus indicates the status of an operation that raised an exception
type CompletionStatus int32

const (
	// CompletionStatusYes indicates the operation was completed
	CompletionStatusYes CompletionStatus = 0
	// CompletionStatusNo indicates the operation was not completed
	CompletionStatusNo CompletionStatus = 1
	// CompletionStatusMaybe indicates the operation completion status is unknown
	CompletionStatusMaybe CompletionStatus = 2
)

func (c CompletionStatus) String() string {
	switch c {
	case CompletionStatusYes:
		return "COMPLETED_YES"
	case CompletionStatusNo:
		return "COMPLETED_NO"
	case CompletionStatusMaybe:
		return "COMPLETED_MAYBE"
	}
	return fmt.Sprintf("CompletionStatus(%d)", int32(c))
}

// Exception is the base interface for all CORBA exceptions
type Exception interface {
	error
	ID() string                  // Repository ID of this exception
	Name() string                // Name of this exception
	Minor() uint32               // Minor code for the exception
	Completed() CompletionStatus // Completion status of the operation
}

// SystemException represents a CORBA system exception. Two system
// exceptions match under errors.Is when their names are equal.
type SystemException struct {
	exceptionName  string
	minorCode      uint32
	completedValue CompletionStatus
	description    string
}

// NewCORBASystemException creates a new CORBA system exception
func NewCORBASystemException(name string, minor uint32, completed CompletionStatus) *SystemException {
	return &SystemException{
		exceptionName:  name,
		minorCode:      minor,
		completedValue: completed,
	}
}

// WithDescription returns a copy of the exception carrying a human readable description
func (e *SystemException) WithDescription(format string, args ...interface{}) *SystemException {
	c := *e
	c.description = fmt.Sprintf(format, args...)
	return &c
}

// Error implements the error interface for SystemException
func (e *SystemException) Error() string {
	s := fmt.Sprintf("CORBA System Exception: %s (minor code: %d, completion status: %v)",
		e.exceptionName, e.minorCode, e.completedValue)
	if e.description != "" {
		s += ": " + e.description
	}
	return s
}

// Is matches system exceptions by name
func (e *SystemException) Is(target error) bool {
	t, ok := target.(*SystemException)
	return ok && t.exceptionName == e.exceptionName
}

// ID returns the repository ID of this system exception
func (e *SystemException) ID() string {
	return fmt.Sprintf("IDL:omg.org/CORBA/%s:1.0", e.exceptionName)
}

// Name returns the name of this system exception
func (e *SystemException) Name() string {
	return e.exceptionName
}

// Minor returns the minor code of this system exception
func (e *SystemException) Minor() uint32 {
	return e.minorCode
}

// Completed returns the completion status of the operation that raised this exception
func (e *SystemException) Completed() CompletionStatus {
	return e.completedValue
}

// Description returns the description attached to the exception, if any
func (e *SystemException) Description() string {
	return e.description
}

// UserException represents a CORBA user-defined exception raised by a
// servant. It is the RemoteException of the error taxonomy: an application
// error with a structured payload.
type UserException struct {
	exceptionName string
	exceptionID   string
	members       map[string]interface{}
}

// NewCORBAUserException creates a new CORBA user-defined exception
func NewCORBAUserException(name string, id string) *UserException {
	return &UserException{
		exceptionName: name,
		exceptionID:   id,
		members:       make(map[string]interface{}),
	}
}

// Error implements the error interface for UserException
func (e *UserException) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("CORBA User Exception: %s (ID: %s)", e.exceptionName, e.exceptionID))

	if len(e.members) > 0 {
		names := make([]string, 0, len(e.members))
		for name := range e.members {
			names = append(names, name)
		}
		sort.Strings(names)

		sb.WriteString(", members: [")
		for i, name := range names {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", name, e.members[name]))
		}
		sb.WriteString("]")
	}

	return sb.String()
}

// ID returns the repository ID of this user exception
func (e *UserException) ID() string {
	return e.exceptionID
}

// Name returns the name of this user exception
func (e *UserException) Name() string {
	return e.exceptionName
}

// Minor returns the minor code of this user exception (always 0)
func (e *UserException) Minor() uint32 {
	return 0
}

// Completed returns the completion status of the operation that raised this exception (always Yes)
func (e *UserException) Completed() CompletionStatus {
	return CompletionStatusYes
}

// SetMember sets a member value for this user exception
func (e *UserException) SetMember(name string, value interface{}) *UserException {
	e.members[name] = value
	return e
}

// GetMember retrieves a member value from this user exception
func (e *UserException) GetMember(name string) (interface{}, bool) {
	value, exists := e.members[name]
	return value, exists
}

// Members returns a copy of all members of this user exception
func (e *UserException) Members() map[string]interface{} {
	result := make(map[string]interface{}, len(e.members))
	for k, v := range e.members {
		result[k] = v
	}
	return result
}

// Standard CORBA system exceptions used by the runtime
var (
	// UNKNOWN - The unknown exception
	UNKNOWN = func(minor uint32, completed CompletionStatus) *SystemException {
		return NewCORBASystemException("UNKNOWN", minor, completed)
	}

	// BAD_PARAM - An invalid parameter was passed
	BAD_PARAM = func(minor uint32, completed CompletionStatus) *SystemException {
		return NewCORBASystemException("BAD_PARAM", minor, completed)
	}

	// COMM_FAILURE - Communication failure
	COMM_FAILURE = func(minor uint32, completed CompletionStatus) *SystemException {
		return NewCORBASystemException("COMM_FAILURE", minor, completed)
	}

	// INTERNAL - ORB internal error
	INTERNAL = func(minor uint32, completed CompletionStatus) *SystemException {
		return NewCORBASystemException("INTERNAL", minor, completed)
	}

	// MARSHAL - Error marshalling parameter or result
	MARSHAL = func(minor uint32, completed CompletionStatus) *SystemException {
		return NewCORBASystemException("MARSHAL", minor, completed)
	}

	// NO_IMPLEMENT - Operation implementation unavailable
	NO_IMPLEMENT = func(minor uint32, completed CompletionStatus) *SystemException {
		return NewCORBASystemException("NO_IMPLEMENT", minor, completed)
	}

	// BAD_OPERATION - Invalid operation
	BAD_OPERATION = func(minor uint32, completed CompletionStatus) *SystemException {
		return NewCORBASystemException("BAD_OPERATION", minor, completed)
	}

	// NO_RESOURCES - Insufficient resources for request
	NO_RESOURCES = func(minor uint32, completed CompletionStatus) *SystemException {
		return NewCORBASystemException("NO_RESOURCES", minor, completed)
	}

	// BAD_INV_ORDER - Routine invocations out of order
	BAD_INV_ORDER = func(minor uint32, completed CompletionStatus) *SystemException {
		return NewCORBASystemException("BAD_INV_ORDER", minor, completed)
	}

	// TRANSIENT - Transient failure, reissue request
	TRANSIENT = func(minor uint32, completed CompletionStatus) *SystemException {
		return NewCORBASystemException("TRANSIENT", minor, completed)
	}

	// INV_OBJREF - Invalid object reference
	INV_OBJREF = func(minor uint32, completed CompletionStatus) *SystemException {
		return NewCORBASystemException("INV_OBJREF", minor, completed)
	}

	// OBJ_ADAPTER - Failure detected by object adapter
	OBJ_ADAPTER = func(minor uint32, completed CompletionStatus) *SystemException {
		return NewCORBASystemException("OBJ_ADAPTER", minor, completed)
	}

	// OBJECT_NOT_EXIST - Non-existent object, delete reference
	OBJECT_NOT_EXIST = func(minor uint32, completed CompletionStatus) *SystemException {
		return NewCORBASystemException("OBJECT_NOT_EXIST", minor, completed)
	}

	// TIMEOUT - Operation timed out
	TIMEOUT = func(minor uint32, completed CompletionStatus) *SystemException {
		return NewCORBASystemException("TIMEOUT", minor, completed)
	}
)

// Error taxonomy of the runtime. All of them are system exceptions, so a
// decoded remote exception matches them under errors.Is too.
var (
	// ErrNoSuchObject is raised when a request targets an unregistered object id
	ErrNoSuchObject = OBJECT_NOT_EXIST(1, CompletionStatusNo)
	// ErrNoSuchOperation is raised when no skeleton serves the operation
	ErrNoSuchOperation = BAD_OPERATION(1, CompletionStatusNo)
	// ErrTimeout is raised when a call deadline elapses before its reply
	ErrTimeout = TIMEOUT(1, CompletionStatusMaybe)
	// ErrConnectionLost resolves every call pending on a closed connection
	ErrConnectionLost = COMM_FAILURE(1, CompletionStatusMaybe)
)

// ConnectError is returned when a connection to an endpoint cannot be established
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Is lets a ConnectError match TRANSIENT
func (e *ConnectError) Is(target error) bool {
	t, ok := target.(*SystemException)
	return ok && t.exceptionName == "TRANSIENT"
}

// FatalError marks a failure that corrupted shared state. A handler that
// panics with a *FatalError is not recovered by the dispatcher.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsSystemException checks if an error is a CORBA system exception
func IsSystemException(err error) bool {
	var sysEx *SystemException
	return errors.As(err, &sysEx)
}

// IsUserException checks if an error is a CORBA user exception
func IsUserException(err error) bool {
	var userEx *UserException
	return errors.As(err, &userEx)
}

// IsException checks if an error is a CORBA exception (system or user)
func IsException(err error) bool {
	return IsSystemException(err) || IsUserException(err)
}

// ThrowableToException converts a Go error or panic value to a CORBA exception
func ThrowableToException(v interface{}) Exception {
	switch e := v.(type) {
	case nil:
		return nil
	case Exception:
		return e
	case error:
		var ex Exception
		if errors.As(e, &ex) {
			return ex
		}
		if errors.Is(e, context.DeadlineExceeded) {
			return ErrTimeout.WithDescription("%v", e)
		}
		if errors.Is(e, context.Canceled) {
			return BAD_INV_ORDER(2, CompletionStatusMaybe).WithDescription("%v", e)
		}
		return UNKNOWN(0, CompletionStatusMaybe).WithDescription("%v", e)
	default:
		return UNKNOWN(1, CompletionStatusMaybe).WithDescription("panic: %v", e)
	}
}

const (
	exceptionKindSystem byte = 0
	exceptionKindUser   byte = 1
)

// MarshalException serializes an exception into an exception message body
func MarshalException(ex Exception) (giop.Payload, error) {
	m := giop.NewCDRMarshaller(binary.BigEndian)

	switch e := ex.(type) {
	case *SystemException:
		m.WriteOctet(exceptionKindSystem)
		m.WriteString(e.Name())
		m.WriteULong(e.Minor())
		m.WriteLong(int32(e.Completed()))
		m.WriteString(e.description)
	case *UserException:
		members, err := msgpack.Marshal(e.members)
		if err != nil {
			return giop.Payload{}, errors.Wrapf(err, "marshal members of %s", e.Name())
		}
		m.WriteOctet(exceptionKindUser)
		m.WriteString(e.Name())
		m.WriteString(e.ID())
		m.WriteOctetSequence(members)
	default:
		return giop.Payload{}, errors.Errorf("unsupported exception type: %T", ex)
	}

	return giop.Payload{Encoding: giop.EncodingCDR, Data: m.Bytes()}, nil
}

// UnmarshalException deserializes an exception message body
func UnmarshalException(p giop.Payload) (Exception, error) {
	if p.Encoding != giop.EncodingCDR {
		return nil, errors.Errorf("exception body has encoding %s", p.Encoding)
	}
	u := giop.NewCDRUnmarshaller(p.Data, binary.BigEndian)

	kind, err := u.ReadOctet()
	if err != nil {
		return nil, errors.Wrap(err, "read exception kind")
	}
	name, err := u.ReadString()
	if err != nil {
		return nil, errors.Wrap(err, "read exception name")
	}

	switch kind {
	case exceptionKindSystem:
		minor, err := u.ReadULong()
		if err != nil {
			return nil, errors.Wrap(err, "read minor code")
		}
		completed, err := u.ReadLong()
		if err != nil {
			return nil, errors.Wrap(err, "read completion status")
		}
		desc, err := u.ReadString()
		if err != nil {
			return nil, errors.Wrap(err, "read description")
		}
		ex := NewCORBASystemException(name, minor, CompletionStatus(completed))
		ex.description = desc
		return ex, nil

	case exceptionKindUser:
		id, err := u.ReadString()
		if err != nil {
			return nil, errors.Wrap(err, "read repository id")
		}
		raw, err := u.ReadOctetSequence()
		if err != nil {
			return nil, errors.Wrap(err, "read members")
		}
		ex := NewCORBAUserException(name, id)
		if len(raw) > 0 {
			if err := msgpack.Unmarshal(raw, &ex.members); err != nil {
				return nil, errors.Wrap(err, "decode members")
			}
		}
		return ex, nil
	}
	return nil, errors.Errorf("unknown exception kind %d", kind)
}
