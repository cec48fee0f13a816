package giop

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Encoding is the type descriptor of a Payload
type Encoding byte

// Payload encodings
const (
	// EncodingCDR is a counted list of self-describing TCKind tagged values
	EncodingCDR Encoding = 0
	// EncodingMsgpack is a stream of msgpack values
	EncodingMsgpack Encoding = 1
)

// Valid reports whether e is a known encoding
func (e Encoding) Valid() bool {
	return e == EncodingCDR || e == EncodingMsgpack
}

func (e Encoding) String() string {
	switch e {
	case EncodingCDR:
		return "cdr"
	case EncodingMsgpack:
		return "msgpack"
	}
	return fmt.Sprintf("Encoding(%d)", byte(e))
}

// ParseEncoding maps a name produced by Encoding.String back to the encoding
func ParseEncoding(name string) (Encoding, error) {
	switch name {
	case "cdr", "":
		return EncodingCDR, nil
	case "msgpack":
		return EncodingMsgpack, nil
	}
	return 0, fmt.Errorf("unknown payload encoding %q", name)
}

// Payload carries operation arguments or results: opaque encoded bytes plus
// the descriptor needed to decode them.
type Payload struct {
	Encoding Encoding
	Data     []byte
}

// MarshalPayload encodes values with the given encoding
func MarshalPayload(enc Encoding, values ...interface{}) (Payload, error) {
	switch enc {
	case EncodingCDR:
		m := NewCDRMarshaller(binary.BigEndian)
		m.WriteULong(uint32(len(values)))
		for i, v := range values {
			if err := m.WriteAny(v); err != nil {
				return Payload{}, fmt.Errorf("value %d: %w", i, err)
			}
		}
		return Payload{Encoding: enc, Data: m.Bytes()}, nil

	case EncodingMsgpack:
		if len(values) == 0 {
			return Payload{Encoding: enc}, nil
		}
		var buf bytes.Buffer
		e := msgpack.NewEncoder(&buf)
		for i, v := range values {
			if err := e.Encode(v); err != nil {
				return Payload{}, fmt.Errorf("value %d: %w", i, err)
			}
		}
		return Payload{Encoding: enc, Data: buf.Bytes()}, nil
	}
	return Payload{}, fmt.Errorf("unknown payload encoding %d", enc)
}

// MustMarshalPayload is MarshalPayload for values known to be encodable
func MustMarshalPayload(enc Encoding, values ...interface{}) Payload {
	p, err := MarshalPayload(enc, values...)
	if err != nil {
		panic(err)
	}
	return p
}

// Unmarshal decodes the payload into targets, which must be non-nil
// pointers. The payload must carry exactly len(targets) values.
func (p Payload) Unmarshal(targets ...interface{}) error {
	switch p.Encoding {
	case EncodingCDR:
		if len(p.Data) == 0 {
			if len(targets) != 0 {
				return fmt.Errorf("payload is empty, want %d values", len(targets))
			}
			return nil
		}
		u := NewCDRUnmarshaller(p.Data, binary.BigEndian)
		count, err := u.ReadCount(1)
		if err != nil {
			return err
		}
		if count != len(targets) {
			return fmt.Errorf("payload carries %d values, want %d", count, len(targets))
		}
		for i, t := range targets {
			if err := u.ReadValue(t); err != nil {
				return fmt.Errorf("value %d: %w", i, err)
			}
		}
		if u.Remaining() != 0 {
			return fmt.Errorf("%d trailing bytes after payload values", u.Remaining())
		}
		return nil

	case EncodingMsgpack:
		r := bytes.NewReader(p.Data)
		d := msgpack.NewDecoder(r)
		for i, t := range targets {
			if err := d.Decode(t); err != nil {
				return fmt.Errorf("value %d: %w", i, err)
			}
		}
		if r.Len() != 0 {
			return fmt.Errorf("%d trailing bytes after payload values", r.Len())
		}
		return nil
	}
	return fmt.Errorf("unknown payload encoding %d", p.Encoding)
}

// Values decodes every value in the payload without a target type
func (p Payload) Values() ([]interface{}, error) {
	switch p.Encoding {
	case EncodingCDR:
		if len(p.Data) == 0 {
			return nil, nil
		}
		u := NewCDRUnmarshaller(p.Data, binary.BigEndian)
		count, err := u.ReadCount(1)
		if err != nil {
			return nil, err
		}
		values := make([]interface{}, count)
		for i := range values {
			if values[i], err = u.ReadAny(); err != nil {
				return nil, fmt.Errorf("value %d: %w", i, err)
			}
		}
		return values, nil

	case EncodingMsgpack:
		r := bytes.NewReader(p.Data)
		d := msgpack.NewDecoder(r)
		var values []interface{}
		for r.Len() > 0 {
			var v interface{}
			if err := d.Decode(&v); err != nil {
				return nil, fmt.Errorf("value %d: %w", len(values), err)
			}
			values = append(values, v)
		}
		return values, nil
	}
	return nil, fmt.Errorf("unknown payload encoding %d", p.Encoding)
}

// IsEmpty reports whether the payload carries no bytes
func (p Payload) IsEmpty() bool {
	return len(p.Data) == 0
}
