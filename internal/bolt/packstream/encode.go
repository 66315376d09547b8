package packstream

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encoder writes PackStream values by appending them to its own byte
// slice (seeded by NewEncoder's dst). Callers copy Bytes() into their
// own buffer afterwards — the chunking.Outbox in practice.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder whose output is appended to dst.
func NewEncoder(dst []byte) *Encoder {
	return &Encoder{buf: dst}
}

// Bytes returns the accumulated output.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Reset discards accumulated output, reusing the underlying array.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

// WriteStructHeader writes a structure header (tiny or sized) followed
// by the tag byte, for a structure with the given field count.
func (e *Encoder) WriteStructHeader(tag byte, size int) error {
	if size < 0 || size > MaxStructSize {
		return fmt.Errorf("%w: size %d", ErrStructTooLarge, size)
	}
	e.buf = append(e.buf, byte(markerTinyStructMin|size), tag)
	return nil
}

// WriteNull writes the null marker.
func (e *Encoder) WriteNull() {
	e.buf = append(e.buf, markerNull)
}

// WriteBool writes a boolean value.
func (e *Encoder) WriteBool(v bool) {
	if v {
		e.buf = append(e.buf, markerTrue)
	} else {
		e.buf = append(e.buf, markerFalse)
	}
}

// WriteInt writes an integer using the narrowest representation that
// fits (tiny int, int8, int16, int32, int64), per PackStream's
// canonical encoding rules.
func (e *Encoder) WriteInt(v int64) {
	switch {
	case v >= -16 && v <= 127:
		e.buf = append(e.buf, byte(v))
	case v >= math.MinInt8 && v <= math.MaxInt8:
		e.buf = append(e.buf, markerInt8, byte(v))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		e.buf = append(e.buf, markerInt16)
		e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(v))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		e.buf = append(e.buf, markerInt32)
		e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v))
	default:
		e.buf = append(e.buf, markerInt64)
		e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
	}
}

// WriteFloat64 writes an IEEE 754 big-endian float64.
func (e *Encoder) WriteFloat64(v float64) {
	e.buf = append(e.buf, markerFloat64)
	e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(v))
}

// WriteBytes writes a byte-array value.
func (e *Encoder) WriteBytes(v []byte) {
	n := len(v)
	switch {
	case n <= math.MaxUint8:
		e.buf = append(e.buf, markerBytes8, byte(n))
	case n <= math.MaxUint16:
		e.buf = append(e.buf, markerBytes16)
		e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(n))
	default:
		e.buf = append(e.buf, markerBytes32)
		e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(n))
	}
	e.buf = append(e.buf, v...)
}

// WriteString writes a UTF-8 string value.
func (e *Encoder) WriteString(v string) {
	n := len(v)
	switch {
	case n <= 15:
		e.buf = append(e.buf, byte(markerTinyStringMin|n))
	case n <= math.MaxUint8:
		e.buf = append(e.buf, markerString8, byte(n))
	case n <= math.MaxUint16:
		e.buf = append(e.buf, markerString16)
		e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(n))
	default:
		e.buf = append(e.buf, markerString32)
		e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(n))
	}
	e.buf = append(e.buf, v...)
}

// WriteListHeader writes a list header for size elements; the caller
// then writes each element's value.
func (e *Encoder) WriteListHeader(size int) {
	switch {
	case size <= 15:
		e.buf = append(e.buf, byte(markerTinyListMin|size))
	case size <= math.MaxUint8:
		e.buf = append(e.buf, markerList8, byte(size))
	case size <= math.MaxUint16:
		e.buf = append(e.buf, markerList16)
		e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(size))
	default:
		e.buf = append(e.buf, markerList32)
		e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(size))
	}
}

// WriteMapHeader writes a map header for size key/value pairs; the
// caller then writes each key (string) followed by its value.
func (e *Encoder) WriteMapHeader(size int) {
	switch {
	case size <= 15:
		e.buf = append(e.buf, byte(markerTinyMapMin|size))
	case size <= math.MaxUint8:
		e.buf = append(e.buf, markerMap8, byte(size))
	case size <= math.MaxUint16:
		e.buf = append(e.buf, markerMap16)
		e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(size))
	default:
		e.buf = append(e.buf, markerMap32)
		e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(size))
	}
}

// WriteValue writes v, dispatching on its dynamic type. Supported
// types: nil, bool, int/int64, float64, []byte, string, []any, *Map,
// map[string]any (re-ordered arbitrarily — prefer *Map to control
// order), *Struct.
func (e *Encoder) WriteValue(v any) error {
	switch val := v.(type) {
	case nil:
		e.WriteNull()
	case bool:
		e.WriteBool(val)
	case int:
		e.WriteInt(int64(val))
	case int64:
		e.WriteInt(val)
	case float64:
		e.WriteFloat64(val)
	case []byte:
		e.WriteBytes(val)
	case string:
		e.WriteString(val)
	case []any:
		e.WriteListHeader(len(val))
		for _, item := range val {
			if err := e.WriteValue(item); err != nil {
				return err
			}
		}
	case *Map:
		e.WriteMapHeader(val.Len())
		for i, k := range val.Keys {
			e.WriteString(k)
			if err := e.WriteValue(val.Values[i]); err != nil {
				return err
			}
		}
	case map[string]any:
		e.WriteMapHeader(len(val))
		for k, item := range val {
			e.WriteString(k)
			if err := e.WriteValue(item); err != nil {
				return err
			}
		}
	case *Struct:
		if err := e.WriteStructHeader(val.Tag, len(val.Fields)); err != nil {
			return err
		}
		for _, item := range val.Fields {
			if err := e.WriteValue(item); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("packstream: unsupported value type %T", v)
	}
	return nil
}
