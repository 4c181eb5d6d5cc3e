// Package message defines the wire envelopes exchanged with the engine.
//
// A Request is the "envelope" for every remote operation: create an object or
// container, call a method, read or write a property, destroy. It gets serialized
// by the codec layer and wrapped in a protocol frame for transmission.
//
//   - On request:  Kind and TypeName are always set; Target names the remote object
//     for Call/Get/Set/Destroy; Args carries positional typed arguments.
//   - On response: Status says Ok or Error; Result is the typed result tuple.
//
// The engine resolves overloads, properties and container semantics. Nothing here
// inspects engine internals.
package message

import "fmt"

// Kind is the operation a request asks the engine to perform.
type Kind uint8

const (
	KindNew Kind = iota + 1
	KindNewContainer
	KindCall
	KindGet
	KindSet
	KindDestroy
	KindDestroyContainer
	KindCallStatic
)

var kindNames = map[Kind]string{
	KindNew:              "new",
	KindNewContainer:     "new_container",
	KindCall:             "call",
	KindGet:              "get",
	KindSet:              "set",
	KindDestroy:          "destroy",
	KindDestroyContainer: "destroy_container",
	KindCallStatic:       "call_static",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a known request kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Idempotent reports whether a request of this kind may be retried automatically.
// Only pure reads qualify; "new" in particular must never be replayed.
func (k Kind) Idempotent() bool {
	return k == KindGet
}

// Status is the outcome carried by a Response.
type Status uint8

const (
	StatusOk Status = iota
	StatusError
)

// Request is one remote operation.
type Request struct {
	CallID     uint64  `json:"call_id"`
	Kind       Kind    `json:"kind"`
	TypeName   string  `json:"type"`
	Target     *uint64 `json:"target,omitempty"`    // remote id for Call/Get/Set/Destroy
	Name       string  `json:"name,omitempty"`      // method or property name
	Args       []Arg   `json:"args,omitempty"`      // positional, typed
	ObjectName string  `json:"obj_name,omitempty"`  // New only
	Flags      uint32  `json:"flags,omitempty"`     // New only
	ElemType   string  `json:"elem_type,omitempty"` // NewContainer only
	Size       uint32  `json:"size,omitempty"`      // NewContainer only
}

// TargetID returns the target remote id, or 0 when the request has none.
func (r *Request) TargetID() uint64 {
	if r.Target == nil {
		return 0
	}
	return *r.Target
}

// Op renders a short description used in logs and errors, e.g. "call MyObject.Add".
func (r *Request) Op() string {
	if r.Name == "" {
		return r.Kind.String() + " " + r.TypeName
	}
	return r.Kind.String() + " " + r.TypeName + "." + r.Name
}

// Arg is one named, typed argument on the wire.
type Arg struct {
	Name    string    `json:"name"`
	TypeTag string    `json:"type"`
	Value   WireValue `json:"value"`
}

// Response answers exactly one Request, matched by CallID.
type Response struct {
	CallID       uint64      `json:"call_id"`
	Status       Status      `json:"status"`
	Result       []WireValue `json:"result,omitempty"`
	ErrorKind    string      `json:"error_kind,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// OK builds a successful response.
func OK(callID uint64, result ...WireValue) *Response {
	return &Response{CallID: callID, Status: StatusOk, Result: result}
}

// Fail builds an Error-status response.
func Fail(callID uint64, kind, msg string) *Response {
	return &Response{CallID: callID, Status: StatusError, ErrorKind: kind, ErrorMessage: msg}
}

// Failed reports whether the response carries an error.
func (r *Response) Failed() bool { return r.Status == StatusError }
