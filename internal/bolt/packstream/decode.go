package packstream

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Decoder reads PackStream values from an in-memory byte slice. It is
// self-delimiting: each Read* call consumes exactly the bytes of the
// value it decodes and advances the cursor by that much.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder returns a Decoder over src.
func NewDecoder(src []byte) *Decoder {
	return &Decoder{buf: src}
}

func (d *Decoder) need(n int) error {
	if d.pos+n > len(d.buf) {
		return ErrTruncated
	}
	return nil
}

func (d *Decoder) peek() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	return d.buf[d.pos], nil
}

func (d *Decoder) take(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// ReadStructHeader reads a structure header and tag, returning the
// declared field count.
func (d *Decoder) ReadStructHeader() (tag byte, size int, err error) {
	marker, err := d.peek()
	if err != nil {
		return 0, 0, err
	}
	switch {
	case marker >= markerTinyStructMin && marker <= markerTinyStructMax:
		size = int(marker & 0x0F)
		d.pos++
	case marker == markerStruct8:
		d.pos++
		b, err := d.take(1)
		if err != nil {
			return 0, 0, err
		}
		size = int(b[0])
	case marker == markerStruct16:
		d.pos++
		b, err := d.take(2)
		if err != nil {
			return 0, 0, err
		}
		size = int(binary.BigEndian.Uint16(b))
	default:
		return 0, 0, fmt.Errorf("%w: %#x is not a structure header", ErrUnexpectedMarker, marker)
	}
	tagB, err := d.take(1)
	if err != nil {
		return 0, 0, err
	}
	return tagB[0], size, nil
}

// ReadValue decodes the next value, dispatching on its marker.
// Structures decode to *Struct, maps to *Map, lists to []any.
func (d *Decoder) ReadValue() (any, error) {
	marker, err := d.peek()
	if err != nil {
		return nil, err
	}

	switch {
	case marker == markerNull:
		d.pos++
		return nil, nil
	case marker == markerTrue:
		d.pos++
		return true, nil
	case marker == markerFalse:
		d.pos++
		return false, nil
	case marker == markerFloat64:
		d.pos++
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case marker == markerInt8:
		d.pos++
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		return int64(int8(b[0])), nil
	case marker == markerInt16:
		d.pos++
		b, err := d.take(2)
		if err != nil {
			return nil, err
		}
		return int64(int16(binary.BigEndian.Uint16(b))), nil
	case marker == markerInt32:
		d.pos++
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		return int64(int32(binary.BigEndian.Uint32(b))), nil
	case marker == markerInt64:
		d.pos++
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(b)), nil
	case marker >= 0xF0 || marker <= 0x7F:
		// tiny int: -16..127 encoded directly in the marker byte.
		d.pos++
		return int64(int8(marker)), nil
	case marker == markerBytes8, marker == markerBytes16, marker == markerBytes32:
		return d.readBytes(marker)
	case (marker >= markerTinyStringMin && marker <= markerTinyStringMax) ||
		marker == markerString8 || marker == markerString16 || marker == markerString32:
		return d.readString(marker)
	case (marker >= markerTinyListMin && marker <= markerTinyListMax) ||
		marker == markerList8 || marker == markerList16 || marker == markerList32:
		return d.readList(marker)
	case (marker >= markerTinyMapMin && marker <= markerTinyMapMax) ||
		marker == markerMap8 || marker == markerMap16 || marker == markerMap32:
		return d.readMap(marker)
	case (marker >= markerTinyStructMin && marker <= markerTinyStructMax) ||
		marker == markerStruct8 || marker == markerStruct16:
		tag, size, err := d.ReadStructHeader()
		if err != nil {
			return nil, err
		}
		fields := make([]any, size)
		for i := range fields {
			v, err := d.ReadValue()
			if err != nil {
				return nil, err
			}
			fields[i] = v
		}
		return &Struct{Tag: tag, Fields: fields}, nil
	default:
		return nil, fmt.Errorf("%w: %#x", ErrUnexpectedMarker, marker)
	}
}

func (d *Decoder) readBytes(marker byte) ([]byte, error) {
	d.pos++
	var n int
	switch marker {
	case markerBytes8:
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		n = int(b[0])
	case markerBytes16:
		b, err := d.take(2)
		if err != nil {
			return nil, err
		}
		n = int(binary.BigEndian.Uint16(b))
	case markerBytes32:
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		n = int(binary.BigEndian.Uint32(b))
	}
	raw, err := d.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, raw)
	return out, nil
}

func (d *Decoder) readString(marker byte) (string, error) {
	var n int
	switch {
	case marker >= markerTinyStringMin && marker <= markerTinyStringMax:
		n = int(marker & 0x0F)
		d.pos++
	case marker == markerString8:
		d.pos++
		b, err := d.take(1)
		if err != nil {
			return "", err
		}
		n = int(b[0])
	case marker == markerString16:
		d.pos++
		b, err := d.take(2)
		if err != nil {
			return "", err
		}
		n = int(binary.BigEndian.Uint16(b))
	case marker == markerString32:
		d.pos++
		b, err := d.take(4)
		if err != nil {
			return "", err
		}
		n = int(binary.BigEndian.Uint32(b))
	}
	raw, err := d.take(n)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (d *Decoder) readList(marker byte) ([]any, error) {
	var n int
	switch {
	case marker >= markerTinyListMin && marker <= markerTinyListMax:
		n = int(marker & 0x0F)
		d.pos++
	case marker == markerList8:
		d.pos++
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		n = int(b[0])
	case marker == markerList16:
		d.pos++
		b, err := d.take(2)
		if err != nil {
			return nil, err
		}
		n = int(binary.BigEndian.Uint16(b))
	case marker == markerList32:
		d.pos++
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		n = int(binary.BigEndian.Uint32(b))
	}
	out := make([]any, n)
	for i := range out {
		v, err := d.ReadValue()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (d *Decoder) readMap(marker byte) (*Map, error) {
	var n int
	switch {
	case marker >= markerTinyMapMin && marker <= markerTinyMapMax:
		n = int(marker & 0x0F)
		d.pos++
	case marker == markerMap8:
		d.pos++
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		n = int(b[0])
	case marker == markerMap16:
		d.pos++
		b, err := d.take(2)
		if err != nil {
			return nil, err
		}
		n = int(binary.BigEndian.Uint16(b))
	case marker == markerMap32:
		d.pos++
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		n = int(binary.BigEndian.Uint32(b))
	}
	m := &Map{Keys: make([]string, 0, n), Values: make([]any, 0, n)}
	for i := 0; i < n; i++ {
		key, err := d.ReadValue()
		if err != nil {
			return nil, err
		}
		keyStr, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("packstream: map key is not a string (%T)", key)
		}
		val, err := d.ReadValue()
		if err != nil {
			return nil, err
		}
		m.Keys = append(m.Keys, keyStr)
		m.Values = append(m.Values, val)
	}
	return m, nil
}
