package giop

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout:
//
//	0       4   5   6               10
//	+-------+---+---+---------------+-----------------+
//	| magic | v | t | payload len   | payload ...     |
//	| GIOP  |   |   | uint32 (BE)   | len bytes       |
//	+-------+---+---+---------------+-----------------+
const (
	HeaderSize = 10

	// Version is the only protocol version this codec speaks
	Version byte = 1

	// DefaultMaxFrameSize bounds the payload length accepted from a peer
	DefaultMaxFrameSize uint32 = 16 << 20
)

// Magic prefixes every frame
var Magic = [4]byte{'G', 'I', 'O', 'P'}

var (
	// ErrIncompleteFrame means more bytes are needed before a frame can be decoded
	ErrIncompleteFrame = errors.New("giop: incomplete frame")
	// ErrMalformedFrame means the input can never become a valid frame
	ErrMalformedFrame = errors.New("giop: malformed frame")
)

// Codec encodes and decodes frames
type Codec struct {
	// MaxFrameSize is the largest payload length Decode accepts. Zero means
	// DefaultMaxFrameSize.
	MaxFrameSize uint32
}

// DefaultCodec is the codec used by the package level Encode and Decode
var DefaultCodec = &Codec{MaxFrameSize: DefaultMaxFrameSize}

// NewCodec creates a codec with the given frame size limit
func NewCodec(maxFrameSize uint32) *Codec {
	return &Codec{MaxFrameSize: maxFrameSize}
}

func (c *Codec) maxFrameSize() uint32 {
	if c == nil || c.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// Encode marshals a message into a complete frame
func Encode(msg *Message) ([]byte, error) {
	return DefaultCodec.Encode(msg)
}

// Decode unmarshals one frame from the front of data
func Decode(data []byte) (*Message, int, error) {
	return DefaultCodec.Decode(data)
}

// Encode marshals a message into a complete frame
func (c *Codec) Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("giop: cannot encode nil message")
	}
	body := NewCDRMarshaller(binary.BigEndian)

	switch msg.Type {
	case MsgRequest:
		body.WriteULong(msg.RequestID)
		body.WriteBool(msg.ResponseExpected)
		body.WriteOctetSequence(msg.ObjectKey)
		body.WriteString(msg.Operation)
		body.WriteServiceContextList(msg.ServiceContexts)
		body.WritePayload(msg.Payload)

	case MsgReply, MsgException:
		body.WriteULong(msg.RequestID)
		body.WriteString(msg.Operation)
		body.WriteServiceContextList(msg.ServiceContexts)
		body.WritePayload(msg.Payload)

	case MsgCloseConnection:
		// No body

	case MsgLocateRequest:
		body.WriteULong(msg.RequestID)
		body.WriteOctetSequence(msg.ObjectKey)

	case MsgLocateReply:
		body.WriteULong(msg.RequestID)
		body.WriteULong(msg.LocateStatus)

	case MsgCancelRequest:
		body.WriteULong(msg.RequestID)

	case MsgMessageError:
		body.WriteString(msg.Reason)

	default:
		return nil, fmt.Errorf("giop: unknown message type %d", byte(msg.Type))
	}

	if uint64(body.Size()) > uint64(c.maxFrameSize()) {
		return nil, fmt.Errorf("giop: payload of %d bytes exceeds frame limit %d", body.Size(), c.maxFrameSize())
	}

	version := msg.Version
	if version == 0 {
		version = Version
	}

	frame := make([]byte, HeaderSize, HeaderSize+body.Size())
	copy(frame[0:4], Magic[:])
	frame[4] = version
	frame[5] = byte(msg.Type)
	binary.BigEndian.PutUint32(frame[6:10], uint32(body.Size()))
	return append(frame, body.Bytes()...), nil
}

// Decode unmarshals one frame from the front of data and returns the number
// of bytes it consumed. It returns ErrIncompleteFrame while data is a strict
// prefix of a frame, and an error wrapping ErrMalformedFrame when data can
// never become a valid frame.
func (c *Codec) Decode(data []byte) (*Message, int, error) {
	n := len(data)
	if n > len(Magic) {
		n = len(Magic)
	}
	for i := 0; i < n; i++ {
		if data[i] != Magic[i] {
			return nil, 0, fmt.Errorf("%w: invalid magic %q", ErrMalformedFrame, data[:n])
		}
	}
	if len(data) > 4 && data[4] != Version {
		return nil, 0, fmt.Errorf("%w: unsupported version %d", ErrMalformedFrame, data[4])
	}
	if len(data) > 5 && !MsgType(data[5]).Valid() {
		return nil, 0, fmt.Errorf("%w: unknown message type %d", ErrMalformedFrame, data[5])
	}
	if len(data) < HeaderSize {
		return nil, 0, ErrIncompleteFrame
	}

	size := binary.BigEndian.Uint32(data[6:10])
	if size > c.maxFrameSize() {
		return nil, 0, fmt.Errorf("%w: declared length %d exceeds limit %d", ErrMalformedFrame, size, c.maxFrameSize())
	}
	total := HeaderSize + int(size)
	if len(data) < total {
		return nil, 0, ErrIncompleteFrame
	}

	msg := &Message{Version: data[4], Type: MsgType(data[5])}
	if err := decodeBody(msg, data[HeaderSize:total]); err != nil {
		return nil, 0, fmt.Errorf("%w: %s body: %v", ErrMalformedFrame, msg.Type, err)
	}
	return msg, total, nil
}

func decodeBody(msg *Message, body []byte) error {
	u := NewCDRUnmarshaller(body, binary.BigEndian)
	var err error

	switch msg.Type {
	case MsgRequest:
		if msg.RequestID, err = u.ReadULong(); err != nil {
			return err
		}
		if msg.ResponseExpected, err = u.ReadBool(); err != nil {
			return err
		}
		if msg.ObjectKey, err = u.ReadOctetSequence(); err != nil {
			return err
		}
		if msg.Operation, err = u.ReadString(); err != nil {
			return err
		}
		if msg.ServiceContexts, err = u.ReadServiceContextList(); err != nil {
			return err
		}
		if msg.Payload, err = u.ReadPayload(); err != nil {
			return err
		}

	case MsgReply, MsgException:
		if msg.RequestID, err = u.ReadULong(); err != nil {
			return err
		}
		if msg.Operation, err = u.ReadString(); err != nil {
			return err
		}
		if msg.ServiceContexts, err = u.ReadServiceContextList(); err != nil {
			return err
		}
		if msg.Payload, err = u.ReadPayload(); err != nil {
			return err
		}

	case MsgCloseConnection:

	case MsgLocateRequest:
		if msg.RequestID, err = u.ReadULong(); err != nil {
			return err
		}
		if msg.ObjectKey, err = u.ReadOctetSequence(); err != nil {
			return err
		}

	case MsgLocateReply:
		if msg.RequestID, err = u.ReadULong(); err != nil {
			return err
		}
		if msg.LocateStatus, err = u.ReadULong(); err != nil {
			return err
		}

	case MsgCancelRequest:
		if msg.RequestID, err = u.ReadULong(); err != nil {
			return err
		}

	case MsgMessageError:
		if msg.Reason, err = u.ReadString(); err != nil {
			return err
		}
	}

	if u.Remaining() != 0 {
		return fmt.Errorf("%d trailing bytes", u.Remaining())
	}
	return nil
}
