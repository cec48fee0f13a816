package giop

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// CDRMarshaller marshals primitive fields. Unlike real CDR there is no
// alignment padding: every field is packed and every variable-length field
// carries a 4-byte length prefix.
type CDRMarshaller struct {
	buffer    *bytes.Buffer
	byteOrder binary.ByteOrder
	scratch   [8]byte
}

// NewCDRMarshaller creates a new CDR marshaller with the specified byte order
func NewCDRMarshaller(byteOrder binary.ByteOrder) *CDRMarshaller {
	return &CDRMarshaller{
		buffer:    new(bytes.Buffer),
		byteOrder: byteOrder,
	}
}

// Bytes returns the marshalled bytes
func (m *CDRMarshaller) Bytes() []byte {
	return m.buffer.Bytes()
}

// Size returns the current size of the marshalled data
func (m *CDRMarshaller) Size() int {
	return m.buffer.Len()
}

// WriteBool writes a boolean value
func (m *CDRMarshaller) WriteBool(value bool) {
	var b byte
	if value {
		b = 1
	}
	m.buffer.WriteByte(b)
}

// WriteOctet writes a byte value
func (m *CDRMarshaller) WriteOctet(value byte) {
	m.buffer.WriteByte(value)
}

// WriteShort writes a 16-bit integer value
func (m *CDRMarshaller) WriteShort(value int16) {
	m.WriteUShort(uint16(value))
}

// WriteUShort writes a 16-bit unsigned integer value
func (m *CDRMarshaller) WriteUShort(value uint16) {
	m.byteOrder.PutUint16(m.scratch[:2], value)
	m.buffer.Write(m.scratch[:2])
}

// WriteLong writes a 32-bit integer value
func (m *CDRMarshaller) WriteLong(value int32) {
	m.WriteULong(uint32(value))
}

// WriteULong writes a 32-bit unsigned integer value
func (m *CDRMarshaller) WriteULong(value uint32) {
	m.byteOrder.PutUint32(m.scratch[:4], value)
	m.buffer.Write(m.scratch[:4])
}

// WriteLongLong writes a 64-bit integer value
func (m *CDRMarshaller) WriteLongLong(value int64) {
	m.WriteULongLong(uint64(value))
}

// WriteULongLong writes a 64-bit unsigned integer value
func (m *CDRMarshaller) WriteULongLong(value uint64) {
	m.byteOrder.PutUint64(m.scratch[:8], value)
	m.buffer.Write(m.scratch[:8])
}

// WriteFloat writes a 32-bit floating point value
func (m *CDRMarshaller) WriteFloat(value float32) {
	m.WriteULong(math.Float32bits(value))
}

// WriteDouble writes a 64-bit floating point value
func (m *CDRMarshaller) WriteDouble(value float64) {
	m.WriteULongLong(math.Float64bits(value))
}

// WriteString writes a length-prefixed string
func (m *CDRMarshaller) WriteString(value string) {
	m.WriteULong(uint32(len(value)))
	m.buffer.WriteString(value)
}

// WriteOctetSequence writes a length-prefixed sequence of bytes
func (m *CDRMarshaller) WriteOctetSequence(value []byte) {
	m.WriteULong(uint32(len(value)))
	m.buffer.Write(value)
}

// WriteServiceContextList writes a list of service contexts
func (m *CDRMarshaller) WriteServiceContextList(contexts ServiceContextList) {
	m.WriteULong(uint32(len(contexts)))
	for _, ctx := range contexts {
		m.WriteULong(ctx.ID)
		m.WriteOctetSequence(ctx.Data)
	}
}

// WritePayload writes the encoding descriptor followed by the payload bytes
func (m *CDRMarshaller) WritePayload(p Payload) {
	m.WriteOctet(byte(p.Encoding))
	m.WriteOctetSequence(p.Data)
}

// CDRUnmarshaller unmarshals primitive fields written by CDRMarshaller
type CDRUnmarshaller struct {
	data      []byte
	byteOrder binary.ByteOrder
	position  int
}

// NewCDRUnmarshaller creates a new CDR unmarshaller with the specified byte order
func NewCDRUnmarshaller(data []byte, byteOrder binary.ByteOrder) *CDRUnmarshaller {
	return &CDRUnmarshaller{
		data:      data,
		byteOrder: byteOrder,
	}
}

// Remaining returns the number of unread bytes
func (u *CDRUnmarshaller) Remaining() int {
	return len(u.data) - u.position
}

func (u *CDRUnmarshaller) next(n int) ([]byte, error) {
	if n < 0 || u.Remaining() < n {
		return nil, fmt.Errorf("need %d bytes at offset %d, have %d: %w", n, u.position, u.Remaining(), io.ErrUnexpectedEOF)
	}
	b := u.data[u.position : u.position+n]
	u.position += n
	return b, nil
}

// ReadBool reads a boolean value
func (u *CDRUnmarshaller) ReadBool() (bool, error) {
	b, err := u.ReadOctet()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("invalid boolean octet %d", b)
}

// ReadOctet reads a byte value
func (u *CDRUnmarshaller) ReadOctet() (byte, error) {
	b, err := u.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadShort reads a 16-bit integer value
func (u *CDRUnmarshaller) ReadShort() (int16, error) {
	v, err := u.ReadUShort()
	return int16(v), err
}

// ReadUShort reads a 16-bit unsigned integer value
func (u *CDRUnmarshaller) ReadUShort() (uint16, error) {
	b, err := u.next(2)
	if err != nil {
		return 0, err
	}
	return u.byteOrder.Uint16(b), nil
}

// ReadLong reads a 32-bit integer value
func (u *CDRUnmarshaller) ReadLong() (int32, error) {
	v, err := u.ReadULong()
	return int32(v), err
}

// ReadULong reads a 32-bit unsigned integer value
func (u *CDRUnmarshaller) ReadULong() (uint32, error) {
	b, err := u.next(4)
	if err != nil {
		return 0, err
	}
	return u.byteOrder.Uint32(b), nil
}

// ReadLongLong reads a 64-bit integer value
func (u *CDRUnmarshaller) ReadLongLong() (int64, error) {
	v, err := u.ReadULongLong()
	return int64(v), err
}

// ReadULongLong reads a 64-bit unsigned integer value
func (u *CDRUnmarshaller) ReadULongLong() (uint64, error) {
	b, err := u.next(8)
	if err != nil {
		return 0, err
	}
	return u.byteOrder.Uint64(b), nil
}

// ReadFloat reads a 32-bit floating point value
func (u *CDRUnmarshaller) ReadFloat() (float32, error) {
	v, err := u.ReadULong()
	return math.Float32frombits(v), err
}

// ReadDouble reads a 64-bit floating point value
func (u *CDRUnmarshaller) ReadDouble() (float64, error) {
	v, err := u.ReadULongLong()
	return math.Float64frombits(v), err
}

// ReadString reads a length-prefixed string
func (u *CDRUnmarshaller) ReadString() (string, error) {
	b, err := u.readSized()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadOctetSequence reads a length-prefixed sequence of bytes. An empty
// sequence decodes as nil.
func (u *CDRUnmarshaller) ReadOctetSequence() ([]byte, error) {
	b, err := u.readSized()
	if err != nil || len(b) == 0 {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (u *CDRUnmarshaller) readSized() ([]byte, error) {
	length, err := u.ReadULong()
	if err != nil {
		return nil, err
	}
	if uint64(length) > uint64(u.Remaining()) {
		return nil, fmt.Errorf("length prefix %d exceeds remaining %d bytes: %w", length, u.Remaining(), io.ErrUnexpectedEOF)
	}
	return u.next(int(length))
}

// ReadCount reads a collection count, rejecting counts that could not fit in
// the remaining bytes given the minimum encoded size of one element.
func (u *CDRUnmarshaller) ReadCount(minElemSize int) (int, error) {
	count, err := u.ReadULong()
	if err != nil {
		return 0, err
	}
	if minElemSize < 1 {
		minElemSize = 1
	}
	if uint64(count)*uint64(minElemSize) > uint64(u.Remaining()) {
		return 0, fmt.Errorf("count %d exceeds remaining %d bytes: %w", count, u.Remaining(), io.ErrUnexpectedEOF)
	}
	return int(count), nil
}

// ReadServiceContextList reads a list of service contexts
func (u *CDRUnmarshaller) ReadServiceContextList() (ServiceContextList, error) {
	// id + empty data prefix
	count, err := u.ReadCount(8)
	if err != nil || count == 0 {
		return nil, err
	}

	contexts := make(ServiceContextList, count)
	for i := range contexts {
		if contexts[i].ID, err = u.ReadULong(); err != nil {
			return nil, err
		}
		if contexts[i].Data, err = u.ReadOctetSequence(); err != nil {
			return nil, err
		}
	}
	return contexts, nil
}

// ReadPayload reads an encoding descriptor and the payload bytes
func (u *CDRUnmarshaller) ReadPayload() (Payload, error) {
	var p Payload
	enc, err := u.ReadOctet()
	if err != nil {
		return p, err
	}
	p.Encoding = Encoding(enc)
	if !p.Encoding.Valid() {
		return p, fmt.Errorf("unknown payload encoding %d", enc)
	}
	if p.Data, err = u.ReadOctetSequence(); err != nil {
		return p, err
	}
	return p, nil
}
