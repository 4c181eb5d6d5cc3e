// Package typedesc interns descriptions of remote types.
//
// A Descriptor names an engine-side type and says what kind of thing it is. There is
// exactly one Descriptor per type name for the life of the process, so descriptors can
// be compared by pointer. The table is never torn down.
package typedesc

import (
	"fmt"
	"slices"
	"sync"

	"uebridge/rpcerr"
)

// Kind classifies a remote type.
type Kind uint8

const (
	Object Kind = iota
	Struct
	Enum
	Container
	Primitive // scalar wire slot: bool, string, sized ints, floats
)

func (k Kind) String() string {
	switch k {
	case Object:
		return "Object"
	case Struct:
		return "Struct"
	case Enum:
		return "Enum"
	case Container:
		return "Container"
	case Primitive:
		return "Primitive"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Field is one entry of a struct schema.
type Field struct {
	Name string
	Type *Descriptor
}

// Descriptor is an immutable, interned type description.
type Descriptor struct {
	name    string
	kind    Kind
	fields  []Field     // Struct only, declaration order
	members []string    // Enum only, index = ordinal
	elem    *Descriptor // Container only
}

func (d *Descriptor) Name() string { return d.name }
func (d *Descriptor) Kind() Kind   { return d.kind }

// Elem returns the element type of a container, or nil.
func (d *Descriptor) Elem() *Descriptor { return d.elem }

// Fields returns a copy of the struct schema. Nil means the struct was interned
// without a schema and decoding keeps whatever the wire carries.
func (d *Descriptor) Fields() []Field { return slices.Clone(d.fields) }

// HasSchema reports whether a struct descriptor carries a field list.
func (d *Descriptor) HasSchema() bool { return d.fields != nil }

// Members returns the enum member names in ordinal order.
func (d *Descriptor) Members() []string { return slices.Clone(d.members) }

// ValidOrdinal reports whether ordinal names a member of this enum. Enums interned
// without members accept any ordinal.
func (d *Descriptor) ValidOrdinal(ordinal int64) bool {
	if d.members == nil {
		return true
	}
	return ordinal >= 0 && ordinal < int64(len(d.members))
}

// Member returns the member name for ordinal.
func (d *Descriptor) Member(ordinal int64) (string, bool) {
	if !d.ValidOrdinal(ordinal) || d.members == nil {
		return "", false
	}
	return d.members[ordinal], true
}

// Ordinal returns the ordinal of the named member.
func (d *Descriptor) Ordinal(member string) (int64, bool) {
	i := slices.Index(d.members, member)
	return int64(i), i >= 0
}

func (d *Descriptor) String() string {
	if d == nil {
		return "<nil>"
	}
	if d.kind == Container && d.elem != nil {
		return fmt.Sprintf("%s<%s>", d.name, d.elem.name)
	}
	return d.name
}

var (
	mu    sync.RWMutex
	table = map[string]*Descriptor{}
)

// Primitive descriptors, interned at init.
var (
	Bool    = mustPrimitive("bool")
	String  = mustPrimitive("string")
	Int8    = mustPrimitive("int8")
	Int16   = mustPrimitive("int16")
	Int32   = mustPrimitive("int32")
	Int64   = mustPrimitive("int64")
	Uint8   = mustPrimitive("uint8")
	Uint16  = mustPrimitive("uint16")
	Uint32  = mustPrimitive("uint32")
	Uint64  = mustPrimitive("uint64")
	Float32 = mustPrimitive("float32")
	Float64 = mustPrimitive("float64")
)

// aliases accepted as value type hints.
var aliases = map[string]*Descriptor{
	"int":    Int64,
	"uint":   Uint64,
	"float":  Float64,
	"double": Float64,
	"str":    String,
}

func mustPrimitive(name string) *Descriptor {
	d, err := intern(&Descriptor{name: name, kind: Primitive})
	if err != nil {
		panic(err)
	}
	return d
}

// Intern returns the canonical descriptor for name. Asking for a name that is already
// interned with another kind (or another shape) fails with TypeConflict.
func Intern(name string, kind Kind) (*Descriptor, error) {
	return intern(&Descriptor{name: name, kind: kind})
}

// InternStruct interns a struct type with an ordered field schema.
func InternStruct(name string, fields ...Field) (*Descriptor, error) {
	if fields == nil {
		fields = []Field{}
	}
	return intern(&Descriptor{name: name, kind: Struct, fields: slices.Clone(fields)})
}

// InternEnum interns an enum type; a member's ordinal is its position.
func InternEnum(name string, members ...string) (*Descriptor, error) {
	if members == nil {
		members = []string{}
	}
	return intern(&Descriptor{name: name, kind: Enum, members: slices.Clone(members)})
}

// InternContainer interns a monomorphic container type. It is keyed by name and
// element type; Lookup("Array<int32>") finds it again.
func InternContainer(name string, elem *Descriptor) (*Descriptor, error) {
	if elem == nil {
		return nil, rpcerr.New(rpcerr.TypeMismatch, "intern "+name, "container needs an element type")
	}
	return intern(&Descriptor{name: name, kind: Container, elem: elem})
}

// MustIntern is Intern for package-level declarations.
func MustIntern(name string, kind Kind) *Descriptor {
	d, err := Intern(name, kind)
	if err != nil {
		panic(err)
	}
	return d
}

// Lookup returns the descriptor interned under name (hint aliases included).
func Lookup(name string) (*Descriptor, bool) {
	if d, ok := aliases[name]; ok {
		return d, true
	}
	mu.RLock()
	defer mu.RUnlock()
	d, ok := table[name]
	return d, ok
}

func intern(want *Descriptor) (*Descriptor, error) {
	if want.name == "" {
		return nil, rpcerr.New(rpcerr.TypeConflict, "intern", "empty type name")
	}

	key := want.key()
	mu.RLock()
	got, ok := table[key]
	mu.RUnlock()
	if ok {
		return same(got, want)
	}

	mu.Lock()
	defer mu.Unlock()
	if got, ok := table[key]; ok {
		return same(got, want)
	}
	table[key] = want
	return want, nil
}

// key is the table key: the name, or "name<elem>" for containers, so one generic
// container name (e.g. "Array") can hold several element types.
func (d *Descriptor) key() string {
	if d.kind == Container && d.elem != nil {
		return d.name + "<" + d.elem.name + ">"
	}
	return d.name
}

// same checks that a repeated interning request agrees with the canonical entry.
// A plain Intern (no shape) of an existing shaped type is accepted.
func same(got, want *Descriptor) (*Descriptor, error) {
	op := "intern " + want.name
	if got.kind != want.kind {
		return nil, rpcerr.New(rpcerr.TypeConflict, op, "already interned as %s, not %s", got.kind, want.kind)
	}
	switch want.kind {
	case Struct:
		if want.fields != nil && !slices.Equal(got.fields, want.fields) {
			return nil, rpcerr.New(rpcerr.TypeConflict, op, "struct schema differs")
		}
	case Enum:
		if want.members != nil && !slices.Equal(got.members, want.members) {
			return nil, rpcerr.New(rpcerr.TypeConflict, op, "enum members differ")
		}
	case Container:
		if want.elem != nil && got.elem != want.elem {
			return nil, rpcerr.New(rpcerr.TypeConflict, op, "element type %s, not %s", got.elem, want.elem)
		}
	}
	return got, nil
}

// IsInteger reports whether d is a sized signed or unsigned integer primitive.
func IsInteger(d *Descriptor) bool {
	return IsSigned(d) || IsUnsigned(d)
}

// IsSigned reports whether d is a signed integer primitive.
func IsSigned(d *Descriptor) bool {
	return d == Int8 || d == Int16 || d == Int32 || d == Int64
}

// IsUnsigned reports whether d is an unsigned integer primitive.
func IsUnsigned(d *Descriptor) bool {
	return d == Uint8 || d == Uint16 || d == Uint32 || d == Uint64
}

// IsFloat reports whether d is a floating point primitive.
func IsFloat(d *Descriptor) bool {
	return d == Float32 || d == Float64
}

// Bits returns the width of a numeric primitive, or 0.
func Bits(d *Descriptor) int {
	switch d {
	case Int8, Uint8:
		return 8
	case Int16, Uint16:
		return 16
	case Int32, Uint32, Float32:
		return 32
	case Int64, Uint64, Float64:
		return 64
	}
	return 0
}
