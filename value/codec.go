package value

import (
	"math"

	"uebridge/handle"
	"uebridge/message"
	"uebridge/rpcerr"
	"uebridge/typedesc"
)

// Resolver is the part of the handle table the codec needs. *handle.Table satisfies it.
type Resolver interface {
	Resolve(local handle.LocalID) (handle.Handle, error)
	ResolveRemote(remote uint64) (handle.Handle, bool)
	Adopt(remote uint64, typ *typedesc.Descriptor) (handle.Handle, error)
}

// Codec converts between Values and WireValues. Object and container references
// are translated through Handles.
//
// All failures are local: TypeMismatch, MissingField, UnknownEnumValue and
// StaleReference are reported before anything is sent.
type Codec struct {
	Handles Resolver
}

func NewCodec(handles Resolver) *Codec {
	return &Codec{Handles: handles}
}

// Encode converts v using the type it carries.
func (c *Codec) Encode(v Value) (message.WireValue, error) {
	return c.encode(v, nil, "encode")
}

// EncodeArgument converts one argument, routing its value through the declared
// type (or the hint when no type is declared).
func (c *Codec) EncodeArgument(a Argument) (message.Arg, error) {
	op := "encode argument " + a.Name
	slot, err := slotOf(a, op)
	if err != nil {
		return message.Arg{}, err
	}
	w, err := c.encode(a.Value, slot, op)
	if err != nil {
		return message.Arg{}, err
	}
	tag := w.Type
	if slot != nil {
		tag = slot.Name()
	}
	return message.Arg{Name: a.Name, TypeTag: tag, Value: w}, nil
}

// EncodeArguments converts args in order and stops at the first failure.
func (c *Codec) EncodeArguments(args []Argument) ([]message.Arg, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]message.Arg, len(args))
	for i, a := range args {
		wa, err := c.EncodeArgument(a)
		if err != nil {
			return nil, err
		}
		out[i] = wa
	}
	return out, nil
}

func slotOf(a Argument, op string) (*typedesc.Descriptor, error) {
	if a.Declared != nil || a.Hint == "" {
		return a.Declared, nil
	}
	if a.Hint == "enum" {
		if _, ok := a.Value.(Enum); !ok {
			return nil, rpcerr.New(rpcerr.TypeMismatch, op, "hint enum needs an Enum value, got %T", a.Value)
		}
		return nil, nil
	}
	d, ok := typedesc.Lookup(a.Hint)
	if !ok {
		return nil, rpcerr.New(rpcerr.TypeMismatch, op, "unknown type hint %q", a.Hint)
	}
	return d, nil
}

func mismatch(op, format string, args ...any) error {
	return rpcerr.New(rpcerr.TypeMismatch, op, format, args...)
}

// encode converts v for a slot of type slot; a nil slot means the value's own type.
func (c *Codec) encode(v Value, slot *typedesc.Descriptor, op string) (message.WireValue, error) {
	if v == nil {
		return message.WireValue{}, mismatch(op, "nil value")
	}
	if slot != nil {
		return c.encodeInto(v, slot, op)
	}
	switch x := v.(type) {
	case Int, Uint, Float, String, Bool:
		return encodePrimitive(v, TypeOf(v), op)
	case Enum:
		return encodeEnum(x, op)
	case ObjectRef:
		return c.encodeRef(x.Local, x.Type, message.TagObject, op)
	case ContainerRef:
		return c.encodeRef(x.Local, x.Type, message.TagContainer, op)
	case Struct:
		return c.encodeStruct(x, op)
	case List:
		return c.encodeList(x, x.Type, op)
	case Map:
		return c.encodeMap(x, x.Type, op)
	case Void:
		return message.Void, nil
	}
	return message.WireValue{}, mismatch(op, "unsupported value %T", v)
}

func (c *Codec) encodeInto(v Value, slot *typedesc.Descriptor, op string) (message.WireValue, error) {
	switch slot.Kind() {
	case typedesc.Primitive:
		return encodePrimitive(v, slot, op)
	case typedesc.Enum:
		switch x := v.(type) {
		case Enum:
			if x.Type != nil && x.Type != slot {
				return message.WireValue{}, mismatch(op, "%s value into %s slot", x.Type, slot)
			}
			return encodeEnum(Enum{Type: slot, Ordinal: x.Ordinal}, op)
		case Int:
			return encodeEnum(Enum{Type: slot, Ordinal: x.V}, op)
		}
	case typedesc.Struct:
		if x, ok := v.(Struct); ok {
			if x.Type != nil && x.Type != slot {
				return message.WireValue{}, mismatch(op, "%s value into %s slot", x.Type, slot)
			}
			x.Type = slot
			return c.encodeStruct(x, op)
		}
	case typedesc.Object:
		if x, ok := v.(ObjectRef); ok {
			typ := x.Type
			if typ == nil {
				typ = slot
			}
			return c.encodeRef(x.Local, typ, message.TagObject, op)
		}
	case typedesc.Container:
		switch x := v.(type) {
		case ContainerRef:
			if x.Type != nil && x.Type.Elem() != slot.Elem() {
				return message.WireValue{}, mismatch(op, "%s value into %s slot", x.Type, slot)
			}
			return c.encodeRef(x.Local, slot, message.TagContainer, op)
		case List:
			return c.encodeList(x, slot, op)
		case Map:
			return c.encodeMap(x, slot, op)
		}
	}
	return message.WireValue{}, mismatch(op, "%T value into %s slot", v, slot)
}

func encodePrimitive(v Value, slot *typedesc.Descriptor, op string) (message.WireValue, error) {
	bits := typedesc.Bits(slot)
	switch x := v.(type) {
	case Int:
		switch {
		case typedesc.IsSigned(slot):
			if !fitsSigned(x.V, bits) {
				return message.WireValue{}, mismatch(op, "%d overflows %s", x.V, slot)
			}
			return message.WireValue{Tag: message.TagInt, Type: slot.Name(), Int: x.V}, nil
		case typedesc.IsUnsigned(slot):
			if x.V < 0 || !fitsUnsigned(uint64(x.V), bits) {
				return message.WireValue{}, mismatch(op, "%d overflows %s", x.V, slot)
			}
			return message.WireValue{Tag: message.TagUint, Type: slot.Name(), Uint: uint64(x.V)}, nil
		case typedesc.IsFloat(slot):
			if !exactSigned(x.V, slot) {
				return message.WireValue{}, mismatch(op, "%d is not exact in %s", x.V, slot)
			}
			return encodeFloat(float64(x.V), slot, op)
		}
	case Uint:
		switch {
		case typedesc.IsSigned(slot):
			if x.V > math.MaxInt64 || !fitsSigned(int64(x.V), bits) {
				return message.WireValue{}, mismatch(op, "%d overflows %s", x.V, slot)
			}
			return message.WireValue{Tag: message.TagInt, Type: slot.Name(), Int: int64(x.V)}, nil
		case typedesc.IsUnsigned(slot):
			if !fitsUnsigned(x.V, bits) {
				return message.WireValue{}, mismatch(op, "%d overflows %s", x.V, slot)
			}
			return message.WireValue{Tag: message.TagUint, Type: slot.Name(), Uint: x.V}, nil
		case typedesc.IsFloat(slot):
			if !exactUnsigned(x.V, slot) {
				return message.WireValue{}, mismatch(op, "%d is not exact in %s", x.V, slot)
			}
			return encodeFloat(float64(x.V), slot, op)
		}
	case Float:
		if typedesc.IsFloat(slot) {
			return encodeFloat(x.V, slot, op)
		}
		if typedesc.IsInteger(slot) {
			return message.WireValue{}, mismatch(op, "float %v into integer slot %s", x.V, slot)
		}
	case String:
		if slot == typedesc.String {
			return message.WireValue{Tag: message.TagString, Type: slot.Name(), Str: string(x)}, nil
		}
	case Bool:
		if slot == typedesc.Bool {
			return message.WireValue{Tag: message.TagBool, Type: slot.Name(), Bool: bool(x)}, nil
		}
	}
	return message.WireValue{}, mismatch(op, "%T value into %s slot", v, slot)
}

// exactSigned reports whether v survives a round trip through the float slot.
func exactSigned(v int64, slot *typedesc.Descriptor) bool {
	f := float64(v)
	if slot == typedesc.Float32 {
		f = float64(float32(v))
	}
	// 2^63 is representable but out of int64 range
	return f < math.MaxInt64 && int64(f) == v
}

func exactUnsigned(v uint64, slot *typedesc.Descriptor) bool {
	f := float64(v)
	if slot == typedesc.Float32 {
		f = float64(float32(v))
	}
	return f < math.MaxUint64 && uint64(f) == v
}

func encodeFloat(f float64, slot *typedesc.Descriptor, op string) (message.WireValue, error) {
	if slot == typedesc.Float32 && !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
		return message.WireValue{}, mismatch(op, "%v overflows float32", f)
	}
	return message.WireValue{Tag: message.TagFloat, Type: slot.Name(), Float: f}, nil
}

func encodeEnum(e Enum, op string) (message.WireValue, error) {
	if e.Type == nil || e.Type.Kind() != typedesc.Enum {
		return message.WireValue{}, mismatch(op, "enum value without an enum type")
	}
	if !e.Type.ValidOrdinal(e.Ordinal) {
		return message.WireValue{}, rpcerr.New(rpcerr.UnknownEnumValue, op, "%s has no ordinal %d", e.Type, e.Ordinal)
	}
	return message.WireValue{Tag: message.TagEnum, Type: e.Type.Name(), Int: e.Ordinal}, nil
}

func (c *Codec) encodeRef(local handle.LocalID, typ *typedesc.Descriptor, tag message.Tag, op string) (message.WireValue, error) {
	if c.Handles == nil {
		return message.WireValue{}, rpcerr.New(rpcerr.StaleReference, op, "no handle table")
	}
	h, err := c.Handles.Resolve(local)
	if err != nil {
		return message.WireValue{}, &rpcerr.Error{Kind: rpcerr.StaleReference, Op: op, Msg: local.String(), Err: err}
	}
	if h.State != handle.Live {
		return message.WireValue{}, rpcerr.New(rpcerr.StaleReference, op, "%s %s is %s", h.Type, local, h.State)
	}
	if typ == nil {
		typ = h.Type
	}
	w := message.WireValue{Tag: tag, Handle: h.Remote}
	if typ != nil {
		w.Type = typ.Name()
		if elem := typ.Elem(); elem != nil {
			w.ElemTyp = elem.Name()
		}
	}
	return w, nil
}

func (c *Codec) encodeStruct(s Struct, op string) (message.WireValue, error) {
	if s.Type == nil || s.Type.Kind() != typedesc.Struct {
		return message.WireValue{}, mismatch(op, "struct value without a struct type")
	}
	w := message.WireValue{Tag: message.TagStruct, Type: s.Type.Name()}
	if !s.Type.HasSchema() {
		for _, f := range s.Fields {
			fw, err := c.encode(f.Value, nil, op+"."+f.Name)
			if err != nil {
				return message.WireValue{}, err
			}
			w.Fields = append(w.Fields, message.WireField{Name: f.Name, Value: fw})
		}
		return w, nil
	}

	schema := s.Type.Fields()
	for _, f := range s.Fields {
		if !hasField(schema, f.Name) {
			return message.WireValue{}, mismatch(op, "%s has no field %s", s.Type, f.Name)
		}
	}
	for _, f := range schema {
		fv, ok := s.Field(f.Name)
		if !ok {
			return message.WireValue{}, rpcerr.New(rpcerr.MissingField, op, "%s.%s", s.Type, f.Name)
		}
		fw, err := c.encode(fv, f.Type, op+"."+f.Name)
		if err != nil {
			return message.WireValue{}, err
		}
		w.Fields = append(w.Fields, message.WireField{Name: f.Name, Value: fw})
	}
	return w, nil
}

func hasField(schema []typedesc.Field, name string) bool {
	for _, f := range schema {
		if f.Name == name {
			return true
		}
	}
	return false
}

// elemType returns the declared element type, or infers it from the first item.
func elemType(typ *typedesc.Descriptor, items []Value) *typedesc.Descriptor {
	if typ != nil && typ.Elem() != nil {
		return typ.Elem()
	}
	if len(items) > 0 {
		return TypeOf(items[0])
	}
	return nil
}

// encodeItems encodes a monomorphic sequence: every item must fit elem, and when
// elem was inferred every item must carry exactly that type.
func (c *Codec) encodeItems(items []Value, elem *typedesc.Descriptor, inferred bool, op string) ([]message.WireValue, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if elem == nil {
		return nil, mismatch(op, "cannot infer element type from %T", items[0])
	}
	out := make([]message.WireValue, len(items))
	for i, it := range items {
		if inferred && TypeOf(it) != elem {
			return nil, mismatch(op, "mixed element types %s and %s", elem, TypeOf(it))
		}
		w, err := c.encode(it, elem, op)
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

func (c *Codec) encodeList(l List, typ *typedesc.Descriptor, op string) (message.WireValue, error) {
	elem := elemType(typ, l.Items)
	inferred := typ == nil || typ.Elem() == nil
	elems, err := c.encodeItems(l.Items, elem, inferred, op)
	if err != nil {
		return message.WireValue{}, err
	}
	w := message.WireValue{Tag: message.TagList, Type: "list", Elems: elems}
	if typ != nil {
		w.Type = typ.Name()
	}
	if elem != nil {
		w.ElemTyp = elem.Name()
	}
	return w, nil
}

func (c *Codec) encodeMap(m Map, typ *typedesc.Descriptor, op string) (message.WireValue, error) {
	if len(m.Keys) != len(m.Values) {
		return message.WireValue{}, mismatch(op, "map has %d keys and %d values", len(m.Keys), len(m.Values))
	}
	key := m.Key
	if key == nil && len(m.Keys) > 0 {
		key = TypeOf(m.Keys[0])
	}
	keys, err := c.encodeItems(m.Keys, key, m.Key == nil, op)
	if err != nil {
		return message.WireValue{}, err
	}
	elem := elemType(typ, m.Values)
	elems, err := c.encodeItems(m.Values, elem, typ == nil || typ.Elem() == nil, op)
	if err != nil {
		return message.WireValue{}, err
	}
	w := message.WireValue{Tag: message.TagMap, Type: "map", Keys: keys, Elems: elems}
	if typ != nil {
		w.Type = typ.Name()
	}
	if key != nil {
		w.KeyTyp = key.Name()
	}
	if elem != nil {
		w.ElemTyp = elem.Name()
	}
	return w, nil
}

// Decode converts w into a Value. With expected nil the type is taken from the
// wire; otherwise w must fit expected.
//
// Object and container ids the handle table has not seen are adopted as Live.
func (c *Codec) Decode(w message.WireValue, expected *typedesc.Descriptor) (Value, error) {
	return c.decode(w, expected, "decode")
}

func (c *Codec) decode(w message.WireValue, exp *typedesc.Descriptor, op string) (Value, error) {
	if w.Tag == message.TagVoid {
		return Void{}, nil
	}
	if exp == nil {
		return c.decodeAny(w, op)
	}
	switch exp.Kind() {
	case typedesc.Primitive:
		return decodePrimitive(w, exp, op)
	case typedesc.Enum:
		if w.Tag != message.TagEnum && w.Tag != message.TagInt {
			return nil, mismatch(op, "%s on the wire, want %s", w.Tag, exp)
		}
		if w.Tag == message.TagEnum && w.Type != "" && w.Type != exp.Name() {
			return nil, mismatch(op, "enum %s on the wire, want %s", w.Type, exp)
		}
		return decodeEnum(w, exp, op)
	case typedesc.Struct:
		if w.Tag != message.TagStruct || (w.Type != "" && w.Type != exp.Name()) {
			return nil, mismatch(op, "%s %s on the wire, want %s", w.Tag, w.Type, exp)
		}
		return c.decodeStruct(w, exp, op)
	case typedesc.Object:
		if w.Tag != message.TagObject {
			return nil, mismatch(op, "%s on the wire, want object %s", w.Tag, exp)
		}
		typ := exp
		if w.Type != "" && w.Type != exp.Name() {
			if d, err := typedesc.Intern(w.Type, typedesc.Object); err == nil {
				typ = d
			}
		}
		return c.adopt(w, typ, op)
	case typedesc.Container:
		switch w.Tag {
		case message.TagContainer:
			return c.adopt(w, exp, op)
		case message.TagList:
			return c.decodeList(w, exp, op)
		case message.TagMap:
			return c.decodeMap(w, exp, op)
		}
		return nil, mismatch(op, "%s on the wire, want container %s", w.Tag, exp)
	}
	return nil, mismatch(op, "cannot decode into %s", exp)
}

func (c *Codec) decodeAny(w message.WireValue, op string) (Value, error) {
	switch w.Tag {
	case message.TagBool:
		return Bool(w.Bool), nil
	case message.TagString:
		return String(w.Str), nil
	case message.TagInt:
		return decodePrimitive(w, wireType(w.Type, typedesc.IsSigned, typedesc.Int64), op)
	case message.TagUint:
		return decodePrimitive(w, wireType(w.Type, typedesc.IsUnsigned, typedesc.Uint64), op)
	case message.TagFloat:
		return decodePrimitive(w, wireType(w.Type, typedesc.IsFloat, typedesc.Float64), op)
	case message.TagEnum:
		if w.Type == "" {
			return nil, mismatch(op, "%s on the wire without a type name", w.Tag)
		}
		d, err := typedesc.Intern(w.Type, typedesc.Enum)
		if err != nil {
			return nil, err
		}
		return decodeEnum(w, d, op)
	case message.TagObject:
		if w.Type == "" {
			return nil, mismatch(op, "%s on the wire without a type name", w.Tag)
		}
		d, err := typedesc.Intern(w.Type, typedesc.Object)
		if err != nil {
			return nil, err
		}
		return c.adopt(w, d, op)
	case message.TagContainer:
		d, err := containerType(w.Type, w.ElemTyp, op)
		if err != nil {
			return nil, err
		}
		return c.adopt(w, d, op)
	case message.TagStruct:
		if w.Type == "" {
			return nil, mismatch(op, "%s on the wire without a type name", w.Tag)
		}
		d, err := typedesc.Intern(w.Type, typedesc.Struct)
		if err != nil {
			return nil, err
		}
		return c.decodeStruct(w, d, op)
	case message.TagList:
		d, err := containerType(w.Type, w.ElemTyp, op)
		if err != nil {
			return nil, err
		}
		return c.decodeList(w, d, op)
	case message.TagMap:
		d, err := containerType(w.Type, w.ElemTyp, op)
		if err != nil {
			return nil, err
		}
		return c.decodeMap(w, d, op)
	}
	return nil, mismatch(op, "unknown wire tag %d", w.Tag)
}

func wireType(name string, pred func(*typedesc.Descriptor) bool, def *typedesc.Descriptor) *typedesc.Descriptor {
	if d, ok := typedesc.Lookup(name); ok && pred(d) {
		return d
	}
	return def
}

// containerType resolves a container descriptor from wire names. An empty element
// name (an empty untyped literal) yields nil.
func containerType(name, elemName, op string) (*typedesc.Descriptor, error) {
	if elemName == "" {
		return nil, nil
	}
	elem, ok := typedesc.Lookup(elemName)
	if !ok {
		return nil, mismatch(op, "unknown element type %q", elemName)
	}
	if name == "" {
		name = "list"
	}
	return typedesc.InternContainer(name, elem)
}

func decodePrimitive(w message.WireValue, exp *typedesc.Descriptor, op string) (Value, error) {
	bits := typedesc.Bits(exp)
	switch {
	case typedesc.IsSigned(exp):
		var v int64
		switch w.Tag {
		case message.TagInt:
			v = w.Int
		case message.TagUint:
			if w.Uint > math.MaxInt64 {
				return nil, mismatch(op, "%d overflows %s", w.Uint, exp)
			}
			v = int64(w.Uint)
		default:
			return nil, mismatch(op, "%s on the wire, want %s", w.Tag, exp)
		}
		if !fitsSigned(v, bits) {
			return nil, mismatch(op, "%d overflows %s", v, exp)
		}
		return Int{V: v, Type: exp}, nil
	case typedesc.IsUnsigned(exp):
		var u uint64
		switch w.Tag {
		case message.TagUint:
			u = w.Uint
		case message.TagInt:
			if w.Int < 0 {
				return nil, mismatch(op, "%d overflows %s", w.Int, exp)
			}
			u = uint64(w.Int)
		default:
			return nil, mismatch(op, "%s on the wire, want %s", w.Tag, exp)
		}
		if !fitsUnsigned(u, bits) {
			return nil, mismatch(op, "%d overflows %s", u, exp)
		}
		return Uint{V: u, Type: exp}, nil
	case typedesc.IsFloat(exp):
		switch w.Tag {
		case message.TagFloat:
			return Float{V: w.Float, Type: exp}, nil
		case message.TagInt:
			return Float{V: float64(w.Int), Type: exp}, nil
		case message.TagUint:
			return Float{V: float64(w.Uint), Type: exp}, nil
		}
	case exp == typedesc.String:
		if w.Tag == message.TagString {
			return String(w.Str), nil
		}
	case exp == typedesc.Bool:
		if w.Tag == message.TagBool {
			return Bool(w.Bool), nil
		}
	}
	return nil, mismatch(op, "%s on the wire, want %s", w.Tag, exp)
}

func decodeEnum(w message.WireValue, d *typedesc.Descriptor, op string) (Value, error) {
	if !d.ValidOrdinal(w.Int) {
		return nil, rpcerr.New(rpcerr.UnknownEnumValue, op, "%s has no ordinal %d", d, w.Int)
	}
	return Enum{Type: d, Ordinal: w.Int}, nil
}

func (c *Codec) adopt(w message.WireValue, typ *typedesc.Descriptor, op string) (Value, error) {
	if c.Handles == nil {
		return nil, rpcerr.New(rpcerr.UnknownHandle, op, "no handle table for remote id %d", w.Handle)
	}
	h, ok := c.Handles.ResolveRemote(w.Handle)
	if !ok {
		var err error
		if h, err = c.Handles.Adopt(w.Handle, typ); err != nil {
			return nil, err
		}
	}
	if w.Tag == message.TagContainer {
		return ContainerRef{Local: h.Local, Type: typ}, nil
	}
	return ObjectRef{Local: h.Local, Type: typ}, nil
}

// decodeStruct yields fields in declaration order. Wire fields outside the schema
// are ignored; schema fields missing from the wire fail with MissingField. A
// struct without a schema keeps the wire order.
func (c *Codec) decodeStruct(w message.WireValue, d *typedesc.Descriptor, op string) (Value, error) {
	s := Struct{Type: d}
	if !d.HasSchema() {
		for _, f := range w.Fields {
			v, err := c.decode(f.Value, nil, op+"."+f.Name)
			if err != nil {
				return nil, err
			}
			s.Fields = append(s.Fields, Field{Name: f.Name, Value: v})
		}
		return s, nil
	}
	for _, f := range d.Fields() {
		fw, ok := w.Field(f.Name)
		if !ok {
			return nil, rpcerr.New(rpcerr.MissingField, op, "%s.%s", d, f.Name)
		}
		v, err := c.decode(fw, f.Type, op+"."+f.Name)
		if err != nil {
			return nil, err
		}
		s.Fields = append(s.Fields, Field{Name: f.Name, Value: v})
	}
	return s, nil
}

func (c *Codec) decodeList(w message.WireValue, d *typedesc.Descriptor, op string) (Value, error) {
	l := List{Type: d}
	var elem *typedesc.Descriptor
	if d != nil {
		elem = d.Elem()
	}
	for _, e := range w.Elems {
		v, err := c.decode(e, elem, op)
		if err != nil {
			return nil, err
		}
		l.Items = append(l.Items, v)
	}
	return l, nil
}

func (c *Codec) decodeMap(w message.WireValue, d *typedesc.Descriptor, op string) (Value, error) {
	if len(w.Keys) != len(w.Elems) {
		return nil, mismatch(op, "map has %d keys and %d values", len(w.Keys), len(w.Elems))
	}
	m := Map{Type: d}
	if w.KeyTyp != "" {
		key, ok := typedesc.Lookup(w.KeyTyp)
		if !ok {
			return nil, mismatch(op, "unknown key type %q", w.KeyTyp)
		}
		m.Key = key
	}
	var elem *typedesc.Descriptor
	if d != nil {
		elem = d.Elem()
	}
	for i := range w.Keys {
		k, err := c.decode(w.Keys[i], m.Key, op)
		if err != nil {
			return nil, err
		}
		v, err := c.decode(w.Elems[i], elem, op)
		if err != nil {
			return nil, err
		}
		m.Keys = append(m.Keys, k)
		m.Values = append(m.Values, v)
	}
	return m, nil
}

func fitsSigned(v int64, bits int) bool {
	if bits == 0 || bits >= 64 {
		return true
	}
	limit := int64(1) << (bits - 1)
	return v >= -limit && v < limit
}

func fitsUnsigned(v uint64, bits int) bool {
	if bits == 0 || bits >= 64 {
		return true
	}
	return v < uint64(1)<<bits
}
