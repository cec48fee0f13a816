package corba

import (
	"context"
	"encoding/hex"

	"github.com/ifabos/miniorb/giop"
)

// ObjectID identifies a servant within one ORB. It is opaque to peers.
type ObjectID []byte

func (oid ObjectID) String() string {
	return hex.EncodeToString(oid)
}

// ParseObjectID decodes the hex form produced by ObjectID.String
func ParseObjectID(s string) (ObjectID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, INV_OBJREF(1, CompletionStatusNo).WithDescription("object id %q: %v", s, err)
	}
	return ObjectID(b), nil
}

// Servant is the local implementation backing an object reference. Its
// operations are served by the skeletons registered for its repository id.
type Servant interface {
	RepositoryID() string
}

// DynamicImplementation is implemented by servants that handle operations
// themselves rather than through skeletons.
type DynamicImplementation interface {
	Servant
	Invoke(ctx context.Context, req *ServerRequest) error
}

// Etherealizer is implemented by servants that release resources when
// their object id is revoked.
type Etherealizer interface {
	Etherealize(oid ObjectID)
}

// ServerRequest is one request being served by a skeleton handler
type ServerRequest struct {
	// The name of the operation being invoked
	Operation string

	// Target object and its servant
	ObjectID ObjectID
	Servant  Servant

	// Repository id the request was routed by
	Interface string

	// Request ID from the message header
	RequestID uint32

	// False for oneway calls; the result is discarded
	ResponseExpected bool

	ServiceContexts giop.ServiceContextList

	// Arguments for the operation
	Arguments giop.Payload

	// Result of the operation, encoded with the arguments' encoding
	Result giop.Payload
}

// Decode decodes the request arguments into targets
func (sr *ServerRequest) Decode(targets ...interface{}) error {
	if err := sr.Arguments.Unmarshal(targets...); err != nil {
		return BAD_PARAM(1, CompletionStatusNo).WithDescription("%s arguments: %v", sr.Operation, err)
	}
	return nil
}

// SetResult encodes values as the operation result
func (sr *ServerRequest) SetResult(values ...interface{}) error {
	p, err := giop.MarshalPayload(sr.Arguments.Encoding, values...)
	if err != nil {
		return MARSHAL(1, CompletionStatusMaybe).WithDescription("%s result: %v", sr.Operation, err)
	}
	sr.Result = p
	return nil
}
