package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Wire type tags for the raw atom encoding: a leading uvarint atom id
// followed by typed field records. A tuple record opens a repeated-entry
// scope: the entry index occupies the next path slot and children the one
// after, which is how attribution chains are addressed.
const (
	wireInt32      = 0x01
	wireInt64      = 0x02
	wireFloat      = 0x03
	wireDouble     = 0x04
	wireString     = 0x05
	wireBytes      = 0x06
	wireBool       = 0x07
	wireStorageKey = 0x08
	wireTupleStart = 0x0E
	wireTupleEnd   = 0x0F
)

// Wire annotation bits, carried in the high nibble of the type tag.
const (
	wireAnnotNested         = 0x10
	wireAnnotPrimaryKey     = 0x20
	wireAnnotExclusiveState = 0x40
	wireAnnotUIDField       = 0x80
)

// ErrTruncatedEvent reports an event buffer that ended mid-record.
var ErrTruncatedEvent = errors.New("model: truncated event buffer")

// ErrUnknownWireType reports a type tag outside the recognized set; the
// whole event is rejected.
var ErrUnknownWireType = errors.New("model: unknown wire type tag")

// ErrEventTooDeep reports tuple nesting beyond MaxFieldDepth.
var ErrEventTooDeep = errors.New("model: event nesting exceeds max depth")

type wireDecoder struct {
	buf []byte
	off int
}

func (d *wireDecoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		return 0, ErrTruncatedEvent
	}
	d.off += n
	return v, nil
}

func (d *wireDecoder) byte() (byte, error) {
	if d.off >= len(d.buf) {
		return 0, ErrTruncatedEvent
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *wireDecoder) take(n int) ([]byte, error) {
	if n < 0 || d.off+n > len(d.buf) {
		return nil, ErrTruncatedEvent
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

// DecodeEvent parses a raw wire buffer into a LogEvent. Parsing is strict:
// any unknown type tag, truncation, or over-deep nesting rejects the whole
// event.
func DecodeEvent(buf []byte, elapsedNs, wallNs int64, uid int32) (*LogEvent, error) {
	d := &wireDecoder{buf: buf}
	atom, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if atom == 0 || atom > math.MaxInt32 {
		return nil, fmt.Errorf("model: bad atom id %d", atom)
	}

	var (
		values []FieldValue
		path   FieldPath
		slot   int // current path slot values are written at
	)
	// occurrences counts repeated-tuple entries per field number at the
	// top level, assigning the 1-based entry index slot.
	occurrences := map[int32]int32{}

	for d.off < len(d.buf) {
		tag, err := d.byte()
		if err != nil {
			return nil, err
		}
		typ := tag & 0x0F
		annot := tag & 0xF0

		if typ == wireTupleEnd {
			if slot == 0 {
				return nil, fmt.Errorf("model: unbalanced tuple end at offset %d", d.off-1)
			}
			slot -= 2
			path.Pos[slot+1] = 0
			continue
		}

		fieldNum, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		if fieldNum == 0 || fieldNum > math.MaxInt32 {
			return nil, fmt.Errorf("model: bad field number %d", fieldNum)
		}

		if typ == wireTupleStart {
			// A tuple consumes the field slot plus the entry-index slot.
			if slot+2 >= MaxFieldDepth {
				return nil, ErrEventTooDeep
			}
			f := int32(fieldNum)
			occurrences[f]++
			path.Pos[slot] = f
			path.Pos[slot+1] = occurrences[f]
			slot += 2
			continue
		}

		path.Pos[slot] = int32(fieldNum)
		path.Depth = int8(slot + 1)
		for i := slot + 1; i < MaxFieldDepth; i++ {
			path.Pos[i] = 0
		}
		if slot >= 2 {
			path.Depth = MaxFieldDepth
		}

		var val Value
		switch typ {
		case wireInt32:
			raw, err := d.uvarint()
			if err != nil {
				return nil, err
			}
			val = IntValue(int32(decodeZigzag(raw)))
		case wireInt64:
			raw, err := d.uvarint()
			if err != nil {
				return nil, err
			}
			val = LongValue(decodeZigzag(raw))
		case wireFloat:
			b, err := d.take(4)
			if err != nil {
				return nil, err
			}
			val = FloatValue(float64(math.Float32frombits(binary.LittleEndian.Uint32(b))))
		case wireDouble:
			b, err := d.take(8)
			if err != nil {
				return nil, err
			}
			val = DoubleValue(math.Float64frombits(binary.LittleEndian.Uint64(b)))
		case wireString:
			n, err := d.uvarint()
			if err != nil {
				return nil, err
			}
			b, err := d.take(int(n))
			if err != nil {
				return nil, err
			}
			val = StringValue(string(b))
		case wireBytes, wireStorageKey:
			n, err := d.uvarint()
			if err != nil {
				return nil, err
			}
			b, err := d.take(int(n))
			if err != nil {
				return nil, err
			}
			cp := make([]byte, len(b))
			copy(cp, b)
			val = Value{Type: TypeBytes, Bytes: cp}
			if typ == wireStorageKey {
				val.Type = TypeStorageKey
			}
		case wireBool:
			b, err := d.byte()
			if err != nil {
				return nil, err
			}
			val = BoolValue(b != 0)
		default:
			return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownWireType, typ)
		}

		fv := FieldValue{
			Field: Field{Atom: int32(atom), Path: path},
			Value: val,
			Annotations: ValueAnnotations{
				Nested:         annot&wireAnnotNested != 0,
				PrimaryKey:     annot&wireAnnotPrimaryKey != 0,
				ExclusiveState: annot&wireAnnotExclusiveState != 0,
				UIDField:       annot&wireAnnotUIDField != 0,
			},
		}
		values = append(values, fv)
	}

	if slot != 0 {
		return nil, fmt.Errorf("model: unbalanced tuple nesting at end of buffer")
	}
	MarkLastFlags(values)

	return NewEvent(int32(atom), elapsedNs, wallNs, uid, values), nil
}

// MarkLastFlags sets the is-last-sibling flag at every depth: within each
// group of values sharing a path prefix, the entries holding the maximum
// position at the next slot are flagged. Event constructors that build
// values by hand call this before matching.
func MarkLastFlags(values []FieldValue) {
	for d := 0; d < MaxFieldDepth; d++ {
		// Group by the prefix above slot d.
		maxPos := map[string]int32{}
		for i := range values {
			p := values[i].Field.Path
			if p.Pos[d] == 0 {
				continue
			}
			pre := prefixKey(p, d)
			if p.Pos[d] > maxPos[pre] {
				maxPos[pre] = p.Pos[d]
			}
		}
		for i := range values {
			p := &values[i].Field.Path
			if p.Pos[d] == 0 {
				continue
			}
			if p.Pos[d] == maxPos[prefixKey(*p, d)] {
				p.Last[d] = true
			}
		}
	}
}

func prefixKey(p FieldPath, depth int) string {
	b := make([]byte, 0, 8)
	for i := 0; i < depth; i++ {
		b = binary.AppendVarint(b, int64(p.Pos[i]))
	}
	return string(b)
}

func decodeZigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}
