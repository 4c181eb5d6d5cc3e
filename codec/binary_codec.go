package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"uebridge/message"
)

// maxDepth bounds nesting of struct/list/map values on decode.
const maxDepth = 64

var errShort = errors.New("BinaryCodec: truncated body")

// BinaryCodec lays envelopes out as varint-prefixed fields.
//
// Request:  callID | kind | type | hasTarget [target] | name | nArgs {name tag value} | objName | flags | elemType | size
// Response: callID | status | nResult {value} | errorKind | errorMessage
// Value:    tag | type | payload (by tag)
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	w := &writer{}
	switch msg := v.(type) {
	case *message.Request:
		w.uvarint(msg.CallID)
		w.byte(byte(msg.Kind))
		w.str(msg.TypeName)
		if msg.Target != nil {
			w.byte(1)
			w.uvarint(*msg.Target)
		} else {
			w.byte(0)
		}
		w.str(msg.Name)
		w.uvarint(uint64(len(msg.Args)))
		for _, a := range msg.Args {
			w.str(a.Name)
			w.str(a.TypeTag)
			w.value(&a.Value)
		}
		w.str(msg.ObjectName)
		w.uvarint(uint64(msg.Flags))
		w.str(msg.ElemType)
		w.uvarint(uint64(msg.Size))
	case *message.Response:
		w.uvarint(msg.CallID)
		w.byte(byte(msg.Status))
		w.uvarint(uint64(len(msg.Result)))
		for i := range msg.Result {
			w.value(&msg.Result[i])
		}
		w.str(msg.ErrorKind)
		w.str(msg.ErrorMessage)
	default:
		return nil, fmt.Errorf("BinaryCodec: cannot encode %T", v)
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := &reader{buf: data}
	switch msg := v.(type) {
	case *message.Request:
		*msg = message.Request{}
		msg.CallID = r.uvarint()
		msg.Kind = message.Kind(r.byte())
		msg.TypeName = r.str()
		if r.byte() == 1 {
			target := r.uvarint()
			msg.Target = &target
		}
		msg.Name = r.str()
		if n := r.count(); n > 0 {
			msg.Args = make([]message.Arg, n)
			for i := range msg.Args {
				msg.Args[i].Name = r.str()
				msg.Args[i].TypeTag = r.str()
				msg.Args[i].Value = r.value(0)
			}
		}
		msg.ObjectName = r.str()
		msg.Flags = uint32(r.uvarint())
		msg.ElemType = r.str()
		msg.Size = uint32(r.uvarint())
	case *message.Response:
		*msg = message.Response{}
		msg.CallID = r.uvarint()
		msg.Status = message.Status(r.byte())
		if n := r.count(); n > 0 {
			msg.Result = make([]message.WireValue, n)
			for i := range msg.Result {
				msg.Result[i] = r.value(0)
			}
		}
		msg.ErrorKind = r.str()
		msg.ErrorMessage = r.str()
	default:
		return fmt.Errorf("BinaryCodec: cannot decode into %T", v)
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type writer struct {
	buf []byte
}

func (w *writer) byte(b byte)      { w.buf = append(w.buf, b) }
func (w *writer) uvarint(v uint64) { w.buf = binary.AppendUvarint(w.buf, v) }
func (w *writer) varint(v int64)   { w.buf = binary.AppendVarint(w.buf, v) }
func (w *writer) float(v float64)  { w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(v)) }

func (w *writer) str(s string) {
	w.uvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) value(v *message.WireValue) {
	w.byte(byte(v.Tag))
	w.str(v.Type)
	switch v.Tag {
	case message.TagBool:
		if v.Bool {
			w.byte(1)
		} else {
			w.byte(0)
		}
	case message.TagInt, message.TagEnum:
		w.varint(v.Int)
	case message.TagUint:
		w.uvarint(v.Uint)
	case message.TagFloat:
		w.float(v.Float)
	case message.TagString:
		w.str(v.Str)
	case message.TagObject:
		w.uvarint(v.Handle)
	case message.TagContainer:
		w.uvarint(v.Handle)
		w.str(v.ElemTyp)
	case message.TagStruct:
		w.uvarint(uint64(len(v.Fields)))
		for i := range v.Fields {
			w.str(v.Fields[i].Name)
			w.value(&v.Fields[i].Value)
		}
	case message.TagList:
		w.str(v.ElemTyp)
		w.uvarint(uint64(len(v.Elems)))
		for i := range v.Elems {
			w.value(&v.Elems[i])
		}
	case message.TagMap:
		w.str(v.KeyTyp)
		w.str(v.ElemTyp)
		w.uvarint(uint64(len(v.Keys)))
		for i := range v.Keys {
			w.value(&v.Keys[i])
			if i < len(v.Elems) {
				w.value(&v.Elems[i])
			} else {
				w.value(&message.Void)
			}
		}
	}
}

// reader records the first error and returns zero values afterwards, so decode
// functions can read straight through and check r.err once.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) byte() byte {
	if r.err != nil {
		return 0
	}
	if r.off >= len(r.buf) {
		r.fail(errShort)
		return 0
	}
	b := r.buf[r.off]
	r.off++
	return b
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.fail(errShort)
		return 0
	}
	r.off += n
	return v
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf[r.off:])
	if n <= 0 {
		r.fail(errShort)
		return 0
	}
	r.off += n
	return v
}

func (r *reader) float() float64 {
	if r.err != nil {
		return 0
	}
	if len(r.buf)-r.off < 8 {
		r.fail(errShort)
		return 0
	}
	v := math.Float64frombits(binary.BigEndian.Uint64(r.buf[r.off:]))
	r.off += 8
	return v
}

func (r *reader) str() string {
	n := r.uvarint()
	if r.err != nil {
		return ""
	}
	if n > uint64(len(r.buf)-r.off) {
		r.fail(errShort)
		return ""
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s
}

// count reads a length prefix and rejects lengths that cannot fit in the remaining bytes
// (every element takes at least one byte).
func (r *reader) count() int {
	n := r.uvarint()
	if r.err != nil {
		return 0
	}
	if n > uint64(len(r.buf)-r.off) {
		r.fail(errShort)
		return 0
	}
	return int(n)
}

func (r *reader) value(depth int) message.WireValue {
	var v message.WireValue
	if depth > maxDepth {
		r.fail(fmt.Errorf("BinaryCodec: value nesting deeper than %d", maxDepth))
		return v
	}
	v.Tag = message.Tag(r.byte())
	v.Type = r.str()
	switch v.Tag {
	case message.TagVoid:
	case message.TagBool:
		v.Bool = r.byte() == 1
	case message.TagInt, message.TagEnum:
		v.Int = r.varint()
	case message.TagUint:
		v.Uint = r.uvarint()
	case message.TagFloat:
		v.Float = r.float()
	case message.TagString:
		v.Str = r.str()
	case message.TagObject:
		v.Handle = r.uvarint()
	case message.TagContainer:
		v.Handle = r.uvarint()
		v.ElemTyp = r.str()
	case message.TagStruct:
		if n := r.count(); n > 0 {
			v.Fields = make([]message.WireField, n)
			for i := range v.Fields {
				v.Fields[i].Name = r.str()
				v.Fields[i].Value = r.value(depth + 1)
			}
		}
	case message.TagList:
		v.ElemTyp = r.str()
		if n := r.count(); n > 0 {
			v.Elems = make([]message.WireValue, n)
			for i := range v.Elems {
				v.Elems[i] = r.value(depth + 1)
			}
		}
	case message.TagMap:
		v.KeyTyp = r.str()
		v.ElemTyp = r.str()
		if n := r.count(); n > 0 {
			v.Keys = make([]message.WireValue, n)
			v.Elems = make([]message.WireValue, n)
			for i := 0; i < n; i++ {
				v.Keys[i] = r.value(depth + 1)
				v.Elems[i] = r.value(depth + 1)
			}
		}
	default:
		r.fail(fmt.Errorf("BinaryCodec: unknown value tag %d", v.Tag))
	}
	return v
}
