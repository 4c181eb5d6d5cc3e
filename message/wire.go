package message

// Tag discriminates the payload of a WireValue.
type Tag uint8

const (
	TagVoid Tag = iota
	TagBool
	TagInt
	TagUint
	TagFloat
	TagString
	TagEnum
	TagObject
	TagContainer
	TagStruct
	TagList
	TagMap
)

var tagNames = [...]string{"void", "bool", "int", "uint", "float", "string", "enum", "object", "container", "struct", "list", "map"}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return "tag?"
}

// WireValue is the encoded form of one value. Only the fields relevant to Tag are set.
//
// Type carries the remote type name: the sized primitive for numbers ("int32",
// "float64"), the enum/struct/class name otherwise. It is what keeps declared width
// and signedness intact across the wire.
type WireValue struct {
	Tag     Tag         `json:"tag"`
	Type    string      `json:"type,omitempty"`
	Bool    bool        `json:"b,omitempty"`
	Int     int64       `json:"i,omitempty"`      // TagInt, TagEnum (ordinal)
	Uint    uint64      `json:"u,omitempty"`      // TagUint
	Float   float64     `json:"f,omitempty"`      // TagFloat
	Str     string      `json:"s,omitempty"`      // TagString
	Handle  uint64      `json:"h,omitempty"`      // TagObject, TagContainer: remote id
	Fields  []WireField `json:"fields,omitempty"` // TagStruct
	Elems   []WireValue `json:"elems,omitempty"`  // TagList, TagMap values
	Keys    []WireValue `json:"keys,omitempty"`   // TagMap keys
	ElemTyp string      `json:"elem,omitempty"`   // TagList, TagMap, TagContainer element type
	KeyTyp  string      `json:"key,omitempty"`    // TagMap key type
}

// WireField is one named struct field on the wire.
type WireField struct {
	Name  string    `json:"name"`
	Value WireValue `json:"value"`
}

// Void is the wire form of "no value".
var Void = WireValue{Tag: TagVoid, Type: "void"}

// Field returns the named field of a struct wire value.
func (w *WireValue) Field(name string) (WireValue, bool) {
	for _, f := range w.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return WireValue{}, false
}
