// Package value is the local side of the wire: a closed set of typed values and the
// codec that turns them into message.WireValue and back.
//
// Every Value carries enough type information to keep numeric width, enum identity
// and struct layout intact across the wire. Argument adds the declared parameter
// type a value is routed through.
package value

import (
	"math"

	"uebridge/handle"
	"uebridge/typedesc"
)

// Value is one of the concrete kinds below. The set is closed.
type Value interface {
	isValue()
}

// Int is a signed integer. Type is a signed integer primitive; nil means int64.
type Int struct {
	V    int64
	Type *typedesc.Descriptor
}

// Uint is an unsigned integer. Type is an unsigned integer primitive; nil means uint64.
type Uint struct {
	V    uint64
	Type *typedesc.Descriptor
}

// Float is a floating point number. Type is float32 or float64; nil means float64.
type Float struct {
	V    float64
	Type *typedesc.Descriptor
}

type String string

type Bool bool

// Enum is a member of an enum type, identified by ordinal.
type Enum struct {
	Type    *typedesc.Descriptor
	Ordinal int64
}

// ObjectRef points at a remote object through its local handle.
//
// Owner is the proxy that owns the handle, if any. Holding the reference keeps
// the owner reachable, so the remote object outlives every copy of the ref.
type ObjectRef struct {
	Local handle.LocalID
	Type  *typedesc.Descriptor
	Owner any
}

// ContainerRef points at a remote container through its local handle; see ObjectRef.
type ContainerRef struct {
	Local handle.LocalID
	Type  *typedesc.Descriptor
	Owner any
}

// Struct is a struct-like value passed by value.
type Struct struct {
	Type   *typedesc.Descriptor
	Fields []Field
}

type Field struct {
	Name  string
	Value Value
}

// Void is the absence of a value, e.g. the return of a void method.
type Void struct{}

// List is a container literal passed by value. Type is a Container descriptor; when
// nil the element type is taken from the first item.
type List struct {
	Type  *typedesc.Descriptor
	Items []Value
}

// Map is a map literal passed by value. Keys and Values are parallel; Key and Type
// (a Container descriptor for the values) may be nil to infer from the first entry.
type Map struct {
	Type   *typedesc.Descriptor
	Key    *typedesc.Descriptor
	Keys   []Value
	Values []Value
}

func (Int) isValue()          {}
func (Uint) isValue()         {}
func (Float) isValue()        {}
func (String) isValue()       {}
func (Bool) isValue()         {}
func (Enum) isValue()         {}
func (ObjectRef) isValue()    {}
func (ContainerRef) isValue() {}
func (Struct) isValue()       {}
func (Void) isValue()         {}
func (List) isValue()         {}
func (Map) isValue()          {}

// Field returns the named field.
func (s Struct) Field(name string) (Value, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Argument is one named, typed parameter of a remote call.
//
// Declared is the parameter type the value is routed through. Hint names a type
// when Declared is nil ("int", "uint8", "float32", ...); the hint "enum" only asks
// that the value already be an Enum.
type Argument struct {
	Name     string
	Declared *typedesc.Descriptor
	Value    Value
	Hint     string
}

// Arg is shorthand for an Argument with a declared type.
func Arg(name string, declared *typedesc.Descriptor, v Value) Argument {
	return Argument{Name: name, Declared: declared, Value: v}
}

// TypeOf returns the descriptor a value carries, applying the numeric defaults.
// It is nil for Void and for untyped container literals.
func TypeOf(v Value) *typedesc.Descriptor {
	switch x := v.(type) {
	case Int:
		return orDefault(x.Type, typedesc.Int64)
	case Uint:
		return orDefault(x.Type, typedesc.Uint64)
	case Float:
		return orDefault(x.Type, typedesc.Float64)
	case String:
		return typedesc.String
	case Bool:
		return typedesc.Bool
	case Enum:
		return x.Type
	case ObjectRef:
		return x.Type
	case ContainerRef:
		return x.Type
	case Struct:
		return x.Type
	case List:
		return x.Type
	case Map:
		return x.Type
	}
	return nil
}

func orDefault(d, def *typedesc.Descriptor) *typedesc.Descriptor {
	if d == nil {
		return def
	}
	return d
}

// Equal reports whether a and b hold the same value. Numeric type defaults are
// applied; container literals compare by element type and items.
func Equal(a, b Value) bool {
	switch x := a.(type) {
	case Int:
		y, ok := b.(Int)
		return ok && x.V == y.V && TypeOf(x) == TypeOf(y)
	case Uint:
		y, ok := b.(Uint)
		return ok && x.V == y.V && TypeOf(x) == TypeOf(y)
	case Float:
		y, ok := b.(Float)
		return ok && (x.V == y.V || math.IsNaN(x.V) && math.IsNaN(y.V)) && TypeOf(x) == TypeOf(y)
	case String, Bool, Void:
		return a == b
	case Enum:
		y, ok := b.(Enum)
		return ok && x == y
	case ObjectRef:
		y, ok := b.(ObjectRef)
		return ok && x.Local == y.Local && x.Type == y.Type
	case ContainerRef:
		y, ok := b.(ContainerRef)
		return ok && x.Local == y.Local && x.Type == y.Type
	case Struct:
		y, ok := b.(Struct)
		if !ok || x.Type != y.Type || len(x.Fields) != len(y.Fields) {
			return false
		}
		for i := range x.Fields {
			if x.Fields[i].Name != y.Fields[i].Name || !Equal(x.Fields[i].Value, y.Fields[i].Value) {
				return false
			}
		}
		return true
	case List:
		y, ok := b.(List)
		return ok && sameElem(x.Type, y.Type) && equalAll(x.Items, y.Items)
	case Map:
		y, ok := b.(Map)
		return ok && sameElem(x.Type, y.Type) && equalAll(x.Keys, y.Keys) && equalAll(x.Values, y.Values)
	}
	return false
}

// sameElem compares container element types; an untyped literal matches any.
func sameElem(a, b *typedesc.Descriptor) bool {
	if a == nil || b == nil {
		return true
	}
	return a.Elem() == b.Elem()
}

func equalAll(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
