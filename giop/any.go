package giop

import (
	"fmt"
	"reflect"
	"sort"
)

// TCKind is the one-byte type descriptor preceding every CDR payload value
type TCKind byte

// TypeCode kinds understood by the payload encoder
const (
	TkNull      TCKind = 0
	TkBool      TCKind = 1
	TkOctet     TCKind = 2
	TkShort     TCKind = 3
	TkUShort    TCKind = 4
	TkLong      TCKind = 5
	TkULong     TCKind = 6
	TkLongLong  TCKind = 7
	TkULongLong TCKind = 8
	TkFloat     TCKind = 9
	TkDouble    TCKind = 10
	TkString    TCKind = 11
	TkOctets    TCKind = 12
	TkSequence  TCKind = 13
	TkStruct    TCKind = 14
)

const maxValueDepth = 32

// WriteAny writes a self-describing value: its TCKind followed by the value.
// Structs are written as TkStruct with their exported fields.
func (m *CDRMarshaller) WriteAny(value interface{}) error {
	return m.writeAny(reflect.ValueOf(value), 0)
}

func (m *CDRMarshaller) writeAny(v reflect.Value, depth int) error {
	if depth > maxValueDepth {
		return fmt.Errorf("value nesting exceeds %d levels", maxValueDepth)
	}
	if !v.IsValid() {
		m.WriteOctet(byte(TkNull))
		return nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Ptr:
		if v.IsNil() {
			m.WriteOctet(byte(TkNull))
			return nil
		}
		return m.writeAny(v.Elem(), depth+1)
	case reflect.Bool:
		m.WriteOctet(byte(TkBool))
		m.WriteBool(v.Bool())
	case reflect.Uint8:
		m.WriteOctet(byte(TkOctet))
		m.WriteOctet(byte(v.Uint()))
	case reflect.Int8, reflect.Int16:
		m.WriteOctet(byte(TkShort))
		m.WriteShort(int16(v.Int()))
	case reflect.Uint16:
		m.WriteOctet(byte(TkUShort))
		m.WriteUShort(uint16(v.Uint()))
	case reflect.Int32:
		m.WriteOctet(byte(TkLong))
		m.WriteLong(int32(v.Int()))
	case reflect.Uint32:
		m.WriteOctet(byte(TkULong))
		m.WriteULong(uint32(v.Uint()))
	case reflect.Int, reflect.Int64:
		m.WriteOctet(byte(TkLongLong))
		m.WriteLongLong(v.Int())
	case reflect.Uint, reflect.Uint64, reflect.Uintptr:
		m.WriteOctet(byte(TkULongLong))
		m.WriteULongLong(v.Uint())
	case reflect.Float32:
		m.WriteOctet(byte(TkFloat))
		m.WriteFloat(float32(v.Float()))
	case reflect.Float64:
		m.WriteOctet(byte(TkDouble))
		m.WriteDouble(v.Float())
	case reflect.String:
		m.WriteOctet(byte(TkString))
		m.WriteString(v.String())
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			m.WriteOctet(byte(TkOctets))
			if v.Kind() == reflect.Slice {
				m.WriteOctetSequence(v.Bytes())
			} else {
				b := make([]byte, v.Len())
				reflect.Copy(reflect.ValueOf(b), v)
				m.WriteOctetSequence(b)
			}
			return nil
		}
		m.WriteOctet(byte(TkSequence))
		m.WriteULong(uint32(v.Len()))
		for i := 0; i < v.Len(); i++ {
			if err := m.writeAny(v.Index(i), depth+1); err != nil {
				return err
			}
		}
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("unsupported map key type %v", v.Type().Key())
		}
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		m.WriteOctet(byte(TkStruct))
		m.WriteULong(uint32(len(keys)))
		for _, k := range keys {
			m.WriteString(k)
			if err := m.writeAny(v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key())), depth+1); err != nil {
				return err
			}
		}
	case reflect.Struct:
		t := v.Type()
		fields := make([]int, 0, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).IsExported() {
				fields = append(fields, i)
			}
		}
		m.WriteOctet(byte(TkStruct))
		m.WriteULong(uint32(len(fields)))
		for _, i := range fields {
			m.WriteString(t.Field(i).Name)
			if err := m.writeAny(v.Field(i), depth+1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported type for marshalling: %v", v.Type())
	}
	return nil
}

// ReadAny reads a self-describing value. Decoded values use canonical Go
// types: bool, byte, int16, uint16, int32, uint32, int64, uint64, float32,
// float64, string, []byte, []interface{} and map[string]interface{}.
func (u *CDRUnmarshaller) ReadAny() (interface{}, error) {
	return u.readAny(0)
}

func (u *CDRUnmarshaller) readAny(depth int) (interface{}, error) {
	if depth > maxValueDepth {
		return nil, fmt.Errorf("value nesting exceeds %d levels", maxValueDepth)
	}
	kind, err := u.ReadOctet()
	if err != nil {
		return nil, err
	}

	switch TCKind(kind) {
	case TkNull:
		return nil, nil
	case TkBool:
		return u.ReadBool()
	case TkOctet:
		return u.ReadOctet()
	case TkShort:
		return u.ReadShort()
	case TkUShort:
		return u.ReadUShort()
	case TkLong:
		return u.ReadLong()
	case TkULong:
		return u.ReadULong()
	case TkLongLong:
		return u.ReadLongLong()
	case TkULongLong:
		return u.ReadULongLong()
	case TkFloat:
		return u.ReadFloat()
	case TkDouble:
		return u.ReadDouble()
	case TkString:
		return u.ReadString()
	case TkOctets:
		b, err := u.ReadOctetSequence()
		if err != nil {
			return nil, err
		}
		if b == nil {
			b = []byte{}
		}
		return b, nil
	case TkSequence:
		count, err := u.ReadCount(1)
		if err != nil {
			return nil, err
		}
		seq := make([]interface{}, count)
		for i := range seq {
			if seq[i], err = u.readAny(depth + 1); err != nil {
				return nil, err
			}
		}
		return seq, nil
	case TkStruct:
		// name length prefix + kind
		count, err := u.ReadCount(5)
		if err != nil {
			return nil, err
		}
		members := make(map[string]interface{}, count)
		for i := 0; i < count; i++ {
			name, err := u.ReadString()
			if err != nil {
				return nil, err
			}
			if members[name], err = u.readAny(depth + 1); err != nil {
				return nil, err
			}
		}
		return members, nil
	}
	return nil, fmt.Errorf("unknown type code kind %d", kind)
}

// ReadValue reads a self-describing value into target, which must be a
// non-nil pointer. Numeric values convert to the target kind when they fit.
func (u *CDRUnmarshaller) ReadValue(target interface{}) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("target must be a non-nil pointer, got %T", target)
	}
	value, err := u.ReadAny()
	if err != nil {
		return err
	}
	return assign(v.Elem(), value)
}

func assign(dst reflect.Value, value interface{}) error {
	if value == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	src := reflect.ValueOf(value)

	switch dst.Kind() {
	case reflect.Interface:
		if !src.Type().AssignableTo(dst.Type()) {
			return fmt.Errorf("cannot assign %T to %v", value, dst.Type())
		}
		dst.Set(src)
		return nil
	case reflect.Ptr:
		elem := reflect.New(dst.Type().Elem())
		if err := assign(elem.Elem(), value); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	case reflect.Bool:
		b, ok := value.(bool)
		if !ok {
			return mismatch(dst, value)
		}
		dst.SetBool(b)
		return nil
	case reflect.String:
		s, ok := value.(string)
		if !ok {
			return mismatch(dst, value)
		}
		dst.SetString(s)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var n int64
		switch src.Kind() {
		case reflect.Int16, reflect.Int32, reflect.Int64:
			n = src.Int()
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if src.Uint() > 1<<63-1 {
				return fmt.Errorf("value %v overflows %v", value, dst.Type())
			}
			n = int64(src.Uint())
		default:
			return mismatch(dst, value)
		}
		if dst.OverflowInt(n) {
			return fmt.Errorf("value %v overflows %v", value, dst.Type())
		}
		dst.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		var n uint64
		switch src.Kind() {
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			n = src.Uint()
		case reflect.Int16, reflect.Int32, reflect.Int64:
			if src.Int() < 0 {
				return fmt.Errorf("negative value %v for %v", value, dst.Type())
			}
			n = uint64(src.Int())
		default:
			return mismatch(dst, value)
		}
		if dst.OverflowUint(n) {
			return fmt.Errorf("value %v overflows %v", value, dst.Type())
		}
		dst.SetUint(n)
		return nil
	case reflect.Float32, reflect.Float64:
		switch f := value.(type) {
		case float32:
			dst.SetFloat(float64(f))
		case float64:
			dst.SetFloat(f)
		default:
			return mismatch(dst, value)
		}
		return nil
	case reflect.Slice:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			b, ok := value.([]byte)
			if !ok {
				return mismatch(dst, value)
			}
			dst.SetBytes(append([]byte(nil), b...))
			return nil
		}
		seq, ok := value.([]interface{})
		if !ok {
			return mismatch(dst, value)
		}
		out := reflect.MakeSlice(dst.Type(), len(seq), len(seq))
		for i, elem := range seq {
			if err := assign(out.Index(i), elem); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		dst.Set(out)
		return nil
	case reflect.Map:
		members, ok := value.(map[string]interface{})
		if !ok || dst.Type().Key().Kind() != reflect.String {
			return mismatch(dst, value)
		}
		out := reflect.MakeMapWithSize(dst.Type(), len(members))
		for k, elem := range members {
			ev := reflect.New(dst.Type().Elem()).Elem()
			if err := assign(ev, elem); err != nil {
				return fmt.Errorf("member %q: %w", k, err)
			}
			out.SetMapIndex(reflect.ValueOf(k).Convert(dst.Type().Key()), ev)
		}
		dst.Set(out)
		return nil
	case reflect.Struct:
		members, ok := value.(map[string]interface{})
		if !ok {
			return mismatch(dst, value)
		}
		for name, elem := range members {
			field := dst.FieldByName(name)
			if !field.IsValid() || !field.CanSet() {
				continue
			}
			if err := assign(field, elem); err != nil {
				return fmt.Errorf("field %s: %w", name, err)
			}
		}
		return nil
	}
	return fmt.Errorf("unsupported type for unmarshalling: %v", dst.Type())
}

func mismatch(dst reflect.Value, value interface{}) error {
	return fmt.Errorf("cannot decode %T into %v", value, dst.Type())
}
