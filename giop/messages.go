// Package giop provides a simplified General Inter-ORB Protocol: the framed,
// versioned, big-endian message format spoken between miniorb peers.
package giop

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// MsgType tags the variant carried by a Message
type MsgType byte

// Message types
const (
	MsgRequest         MsgType = 0
	MsgReply           MsgType = 1
	MsgException       MsgType = 2
	MsgCloseConnection MsgType = 3
	MsgLocateRequest   MsgType = 4
	MsgLocateReply     MsgType = 5
	MsgCancelRequest   MsgType = 6
	MsgMessageError    MsgType = 7
)

var msgTypeNames = map[MsgType]string{
	MsgRequest:         "Request",
	MsgReply:           "Reply",
	MsgException:       "Exception",
	MsgCloseConnection: "CloseConnection",
	MsgLocateRequest:   "LocateRequest",
	MsgLocateReply:     "LocateReply",
	MsgCancelRequest:   "CancelRequest",
	MsgMessageError:    "MessageError",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MsgType(%d)", byte(t))
}

// Valid reports whether t is a known message type
func (t MsgType) Valid() bool {
	_, ok := msgTypeNames[t]
	return ok
}

// Locate reply status values
const (
	LocateStatusUnknownObject uint32 = 0
	LocateStatusObjectHere    uint32 = 1
)

// Well known service context ids
const (
	ServiceContextTimestamp uint32 = 0x54534400 // "TSD"
	ServiceContextTrace     uint32 = 0x54524300 // "TRC"
)

// ServiceContext contains information that may affect the processing of a request
type ServiceContext struct {
	ID   uint32
	Data []byte
}

// ServiceContextList is a sequence of service contexts
type ServiceContextList []ServiceContext

// Get returns the data of the first context with the given id
func (l ServiceContextList) Get(id uint32) ([]byte, bool) {
	for _, ctx := range l {
		if ctx.ID == id {
			return ctx.Data, true
		}
	}
	return nil, false
}

// Message is one decoded frame. Which fields are meaningful depends on Type:
//
//	Request         RequestID, ResponseExpected, ObjectKey, Operation, ServiceContexts, Payload
//	Reply           RequestID, Operation, ServiceContexts, Payload
//	Exception       RequestID, Operation, ServiceContexts, Payload (encoded exception)
//	CloseConnection -
//	LocateRequest   RequestID, ObjectKey
//	LocateReply     RequestID, LocateStatus
//	CancelRequest   RequestID
//	MessageError    Reason
type Message struct {
	Version          byte
	Type             MsgType
	RequestID        uint32
	ResponseExpected bool
	ObjectKey        []byte
	Operation        string
	ServiceContexts  ServiceContextList
	Payload          Payload
	LocateStatus     uint32
	Reason           string
}

// NewRequestMessage creates a new request message
func NewRequestMessage(requestID uint32, objectKey []byte, operation string, responseExpected bool) *Message {
	// Timestamp service context for correlation
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, time.Now().UnixNano())

	return &Message{
		Version:          Version,
		Type:             MsgRequest,
		RequestID:        requestID,
		ResponseExpected: responseExpected,
		ObjectKey:        objectKey,
		Operation:        operation,
		ServiceContexts: ServiceContextList{
			{ID: ServiceContextTimestamp, Data: buf.Bytes()},
		},
	}
}

// NewReplyMessage creates a reply to the given request
func NewReplyMessage(req *Message, result Payload) *Message {
	return &Message{
		Version:   Version,
		Type:      MsgReply,
		RequestID: req.RequestID,
		Operation: req.Operation,
		Payload:   result,
	}
}

// NewExceptionMessage creates an exception reply carrying an encoded exception body
func NewExceptionMessage(req *Message, body Payload) *Message {
	return &Message{
		Version:   Version,
		Type:      MsgException,
		RequestID: req.RequestID,
		Operation: req.Operation,
		Payload:   body,
	}
}

// NewLocateRequestMessage creates a locate request
func NewLocateRequestMessage(requestID uint32, objectKey []byte) *Message {
	return &Message{Version: Version, Type: MsgLocateRequest, RequestID: requestID, ObjectKey: objectKey}
}

// NewLocateReplyMessage creates a locate reply
func NewLocateReplyMessage(requestID uint32, status uint32) *Message {
	return &Message{Version: Version, Type: MsgLocateReply, RequestID: requestID, LocateStatus: status}
}

// NewCancelRequestMessage creates a cancel request for an outstanding call
func NewCancelRequestMessage(requestID uint32) *Message {
	return &Message{Version: Version, Type: MsgCancelRequest, RequestID: requestID}
}

// NewCloseConnectionMessage creates a close connection message
func NewCloseConnectionMessage() *Message {
	return &Message{Version: Version, Type: MsgCloseConnection}
}

// NewMessageErrorMessage creates a message error notification
func NewMessageErrorMessage(reason string) *Message {
	return &Message{Version: Version, Type: MsgMessageError, Reason: reason}
}

// IsResponse reports whether the message answers an outstanding request
func (m *Message) IsResponse() bool {
	return m.Type == MsgReply || m.Type == MsgException || m.Type == MsgLocateReply
}
