package server

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"uebridge/message"
	"uebridge/metrics"
	"uebridge/rpcerr"
)

// Container protocol understood by every container the model creates.
const (
	ContainerGet = "Get"
	ContainerSet = "Set"
	ContainerNum = "Num"
)

// class is a registered Go struct type. Exported fields are properties, exported
// methods are callable by name.
type class struct {
	name  string
	typ   reflect.Type  // struct type
	proto reflect.Value // default field values for new instances
}

type enum struct {
	name    string
	members []string
}

func (e *enum) valid(ordinal int64) bool {
	return ordinal >= 0 && ordinal < int64(len(e.members))
}

// instance is one live object or container. Calls on one instance are serialized.
type instance struct {
	mu       sync.Mutex
	id       uint64
	typeName string
	name     string        // engine object name given at creation
	class    *class        // nil for containers
	v        reflect.Value // *T for objects, a slice for containers
	elem     string        // containers only
}

// ObjectModel is an in-memory engine: it creates, calls and destroys instances of
// registered Go types in answer to requests. Remote ids are monotonic and never reused.
type ObjectModel struct {
	mu        sync.RWMutex
	classes   map[string]*class
	byType    map[reflect.Type]*class
	enums     map[reflect.Type]*enum
	enumNames map[string]reflect.Type
	objects   map[uint64]*instance
	ids       map[any]uint64 // object pointer → remote id
	nextID    atomic.Uint64
	logger    *zap.Logger
}

func NewObjectModel(logger *zap.Logger) *ObjectModel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObjectModel{
		classes:   make(map[string]*class),
		byType:    make(map[reflect.Type]*class),
		enums:     make(map[reflect.Type]*enum),
		enumNames: make(map[string]reflect.Type),
		objects:   make(map[uint64]*instance),
		ids:       make(map[any]uint64),
		logger:    logger,
	}
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Register adds a class. prototype is a struct or a pointer to one; its type name
// is the class name and its field values are the defaults of new instances.
func (m *ObjectModel) Register(prototype any) error {
	v := reflect.ValueOf(prototype)
	if v.Kind() == reflect.Pointer && !v.IsNil() {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("register: prototype must be a struct, got %T", prototype)
	}
	t := v.Type()
	if t.Name() == "" {
		return fmt.Errorf("register: anonymous struct %s", t)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.classes[t.Name()]; dup {
		return fmt.Errorf("register: class %s already registered", t.Name())
	}
	c := &class{name: t.Name(), typ: t, proto: v}
	m.classes[c.name] = c
	m.byType[t] = c
	return nil
}

// RegisterEnum adds an enum. sample is a value of a named integer type; members
// are listed in ordinal order.
func (m *ObjectModel) RegisterEnum(sample any, members ...string) error {
	t := reflect.TypeOf(sample)
	if t == nil || t.Name() == "" || !isInt(t.Kind()) {
		return fmt.Errorf("register enum: %T is not a named integer type", sample)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enums[t] = &enum{name: t.Name(), members: members}
	m.enumNames[t.Name()] = t
	return nil
}

// Len returns the number of live objects and containers.
func (m *ObjectModel) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Dispatch executes one request. It has the middleware.HandlerFunc signature.
func (m *ObjectModel) Dispatch(ctx context.Context, req *message.Request) *message.Response {
	result, err := m.dispatch(req)
	if err != nil {
		kind := rpcerr.KindOf(err)
		if kind == "" {
			kind = rpcerr.Remote
		}
		return message.Fail(req.CallID, string(kind), err.Error())
	}
	return message.OK(req.CallID, result...)
}

func (m *ObjectModel) dispatch(req *message.Request) ([]message.WireValue, error) {
	op := req.Op()
	switch req.Kind {
	case message.KindNew:
		return m.create(req, op)
	case message.KindNewContainer:
		return m.createContainer(req, op)
	case message.KindCallStatic:
		c, err := m.class(req.TypeName, op)
		if err != nil {
			return nil, err
		}
		return m.invoke(reflect.New(c.typ), req.Name, req.Args, op)
	case message.KindDestroy, message.KindDestroyContainer:
		return nil, m.destroy(req.TargetID(), op)
	}

	inst, err := m.instance(req.TargetID(), op)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	switch req.Kind {
	case message.KindCall:
		if inst.class == nil {
			return m.containerCall(inst, req.Name, req.Args, op)
		}
		return m.invoke(inst.v, req.Name, req.Args, op)
	case message.KindGet:
		f, err := m.field(inst, req.Name, op)
		if err != nil {
			return nil, err
		}
		w, err := m.toWire(f, op)
		if err != nil {
			return nil, err
		}
		return []message.WireValue{w}, nil
	case message.KindSet:
		f, err := m.field(inst, req.Name, op)
		if err != nil {
			return nil, err
		}
		if len(req.Args) != 1 {
			return nil, rpcerr.New(rpcerr.Remote, op, "set takes one value, got %d", len(req.Args))
		}
		v, err := m.toGo(req.Args[0].Value, f.Type(), op)
		if err != nil {
			return nil, err
		}
		f.Set(v)
		return []message.WireValue{message.Void}, nil
	}
	return nil, rpcerr.New(rpcerr.Remote, op, "unsupported request kind %s", req.Kind)
}

func (m *ObjectModel) class(name, op string) (*class, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.classes[name]
	if !ok {
		return nil, rpcerr.New(rpcerr.Remote, op, "unknown class %s", name)
	}
	return c, nil
}

func (m *ObjectModel) instance(id uint64, op string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.objects[id]
	if !ok {
		return nil, rpcerr.New(rpcerr.InvalidHandle, op, "no object with id %d", id)
	}
	return inst, nil
}

// add stores a new instance under the next remote id. Caller holds mu.
func (m *ObjectModel) add(inst *instance) uint64 {
	inst.id = m.nextID.Add(1)
	m.objects[inst.id] = inst
	if inst.class != nil {
		m.ids[inst.v.Interface()] = inst.id
	}
	metrics.HostObjects.Inc()
	return inst.id
}

// create builds a new instance from the class prototype. Arguments initialize
// properties by name.
func (m *ObjectModel) create(req *message.Request, op string) ([]message.WireValue, error) {
	c, err := m.class(req.TypeName, op)
	if err != nil {
		return nil, err
	}
	ptr := reflect.New(c.typ)
	ptr.Elem().Set(c.proto)
	inst := &instance{typeName: c.name, name: req.ObjectName, class: c, v: ptr}
	for _, a := range req.Args {
		f, err := m.field(inst, a.Name, op)
		if err != nil {
			return nil, err
		}
		v, err := m.toGo(a.Value, f.Type(), op)
		if err != nil {
			return nil, err
		}
		f.Set(v)
	}

	m.mu.Lock()
	id := m.add(inst)
	m.mu.Unlock()
	m.logger.Debug("object created", zap.String("class", c.name), zap.String("name", req.ObjectName),
		zap.Uint32("flags", req.Flags), zap.Uint64("id", id))
	return []message.WireValue{{Tag: message.TagObject, Type: c.name, Handle: id}}, nil
}

func (m *ObjectModel) createContainer(req *message.Request, op string) ([]message.WireValue, error) {
	m.mu.RLock()
	elem, ok := m.goType(req.ElemType)
	m.mu.RUnlock()
	if !ok {
		return nil, rpcerr.New(rpcerr.Remote, op, "unknown element type %q", req.ElemType)
	}
	items := reflect.MakeSlice(reflect.SliceOf(elem), int(req.Size), int(req.Size))
	inst := &instance{typeName: req.TypeName, v: items, elem: req.ElemType}

	m.mu.Lock()
	id := m.add(inst)
	m.mu.Unlock()
	return []message.WireValue{{Tag: message.TagContainer, Type: req.TypeName, ElemTyp: req.ElemType, Handle: id}}, nil
}

func (m *ObjectModel) destroy(id uint64, op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.objects[id]
	if !ok {
		return rpcerr.New(rpcerr.InvalidHandle, op, "no object with id %d", id)
	}
	delete(m.objects, id)
	if inst.class != nil {
		delete(m.ids, inst.v.Interface())
	}
	metrics.HostObjects.Dec()
	return nil
}

func (m *ObjectModel) field(inst *instance, name, op string) (reflect.Value, error) {
	if inst.class != nil {
		if sf, ok := inst.class.typ.FieldByName(name); ok && sf.IsExported() && len(sf.Index) == 1 {
			return inst.v.Elem().Field(sf.Index[0]), nil
		}
	}
	return reflect.Value{}, rpcerr.New(rpcerr.NoSuchProperty, op, "%s has no property %s", inst.typeName, name)
}

// invoke calls the named method on recv. The result tuple is every return value
// except a trailing error, which becomes a Remote failure.
func (m *ObjectModel) invoke(recv reflect.Value, name string, args []message.Arg, op string) ([]message.WireValue, error) {
	meth := recv.MethodByName(name)
	if !meth.IsValid() {
		return nil, rpcerr.New(rpcerr.Remote, op, "%s has no method %s", recv.Type().Elem().Name(), name)
	}
	mt := meth.Type()
	if mt.IsVariadic() || mt.NumIn() != len(args) {
		return nil, rpcerr.New(rpcerr.Remote, op, "%s takes %d arguments, got %d", name, mt.NumIn(), len(args))
	}
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		v, err := m.toGo(a.Value, mt.In(i), op+" arg "+a.Name)
		if err != nil {
			return nil, err
		}
		in[i] = v
	}

	out, err := m.call(meth, in, name, op)
	if err != nil {
		return nil, err
	}
	if n := len(out); n > 0 && mt.Out(n-1) == errorType {
		if err, _ := out[n-1].Interface().(error); err != nil {
			return nil, rpcerr.New(rpcerr.Remote, op, "%s", err.Error())
		}
		out = out[:n-1]
	}
	return m.tuple(out, op)
}

// call runs meth and reports a panic as a Remote failure.
func (m *ObjectModel) call(meth reflect.Value, in []reflect.Value, name, op string) (out []reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("method panicked", zap.String("method", name), zap.Any("panic", r), zap.Stack("stack"))
			err = rpcerr.New(rpcerr.Remote, op, "%s panicked: %v", name, r)
		}
	}()
	return meth.Call(in), nil
}

func (m *ObjectModel) tuple(out []reflect.Value, op string) ([]message.WireValue, error) {
	if len(out) == 0 {
		return []message.WireValue{message.Void}, nil
	}
	result := make([]message.WireValue, len(out))
	for i, v := range out {
		w, err := m.toWire(v, op)
		if err != nil {
			return nil, err
		}
		result[i] = w
	}
	return result, nil
}

func (m *ObjectModel) containerCall(inst *instance, name string, args []message.Arg, op string) ([]message.WireValue, error) {
	n := inst.v.Len()
	index := func() (int, error) {
		if len(args) == 0 {
			return 0, rpcerr.New(rpcerr.Remote, op, "%s needs an index", name)
		}
		i, err := m.toGo(args[0].Value, reflect.TypeFor[int](), op)
		if err != nil {
			return 0, err
		}
		if idx := int(i.Int()); idx >= 0 && idx < n {
			return idx, nil
		}
		return 0, rpcerr.New(rpcerr.Remote, op, "index %d out of range [0, %d)", i.Int(), n)
	}

	switch name {
	case ContainerNum:
		return []message.WireValue{{Tag: message.TagInt, Type: "int32", Int: int64(n)}}, nil
	case ContainerGet:
		i, err := index()
		if err != nil {
			return nil, err
		}
		return m.tuple([]reflect.Value{inst.v.Index(i)}, op)
	case ContainerSet:
		i, err := index()
		if err != nil {
			return nil, err
		}
		if len(args) != 2 {
			return nil, rpcerr.New(rpcerr.Remote, op, "Set takes an index and a value")
		}
		slot := inst.v.Index(i)
		v, err := m.toGo(args[1].Value, slot.Type(), op)
		if err != nil {
			return nil, err
		}
		slot.Set(v)
		return []message.WireValue{message.Void}, nil
	}
	return nil, rpcerr.New(rpcerr.Remote, op, "container %s has no method %s", inst.typeName, name)
}

var primitives = map[string]reflect.Type{
	"bool":    reflect.TypeFor[bool](),
	"string":  reflect.TypeFor[string](),
	"int8":    reflect.TypeFor[int8](),
	"int16":   reflect.TypeFor[int16](),
	"int32":   reflect.TypeFor[int32](),
	"int64":   reflect.TypeFor[int64](),
	"uint8":   reflect.TypeFor[uint8](),
	"uint16":  reflect.TypeFor[uint16](),
	"uint32":  reflect.TypeFor[uint32](),
	"uint64":  reflect.TypeFor[uint64](),
	"float32": reflect.TypeFor[float32](),
	"float64": reflect.TypeFor[float64](),
}

// goType maps a wire type name to the Go type holding it. Class elements are
// held by pointer. Caller holds mu.
func (m *ObjectModel) goType(name string) (reflect.Type, bool) {
	if t, ok := primitives[name]; ok {
		return t, true
	}
	if t, ok := m.enumNames[name]; ok {
		return t, true
	}
	if c, ok := m.classes[name]; ok {
		return reflect.PointerTo(c.typ), true
	}
	return nil, false
}

// typeName is the wire name of a Go type. Caller holds mu.
func (m *ObjectModel) typeName(t reflect.Type) string {
	if e, ok := m.enums[t]; ok {
		return e.name
	}
	switch t.Kind() {
	case reflect.Int:
		return "int64"
	case reflect.Uint:
		return "uint64"
	case reflect.Bool, reflect.String, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Float32, reflect.Float64:
		return t.Kind().String()
	case reflect.Pointer:
		return m.typeName(t.Elem())
	case reflect.Struct:
		if c, ok := m.byType[t]; ok {
			return c.name
		}
	case reflect.Slice:
		return "list"
	case reflect.Map:
		return "map"
	}
	return t.String()
}

func isInt(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUint(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uint64
}

func mismatch(op string, w message.WireValue, t reflect.Type) error {
	return rpcerr.New(rpcerr.TypeMismatch, op, "cannot use %s %s as %s", w.Tag, w.Type, t)
}

// toWire converts a Go value to its wire form. A pointer to a class instance the
// model does not hold yet is registered, so the caller can adopt it.
func (m *ObjectModel) toWire(v reflect.Value, op string) (message.WireValue, error) {
	m.mu.RLock()
	name := m.typeName(v.Type())
	_, isEnum := m.enums[v.Type()]
	m.mu.RUnlock()

	k := v.Kind()
	switch {
	case isEnum:
		return message.WireValue{Tag: message.TagEnum, Type: name, Int: v.Int()}, nil
	case k == reflect.Bool:
		return message.WireValue{Tag: message.TagBool, Type: name, Bool: v.Bool()}, nil
	case k == reflect.String:
		return message.WireValue{Tag: message.TagString, Type: name, Str: v.String()}, nil
	case isInt(k):
		return message.WireValue{Tag: message.TagInt, Type: name, Int: v.Int()}, nil
	case isUint(k):
		return message.WireValue{Tag: message.TagUint, Type: name, Uint: v.Uint()}, nil
	case k == reflect.Float32 || k == reflect.Float64:
		return message.WireValue{Tag: message.TagFloat, Type: name, Float: v.Float()}, nil
	case k == reflect.Interface:
		if v.IsNil() {
			return message.Void, nil
		}
		return m.toWire(v.Elem(), op)
	case k == reflect.Pointer:
		if v.IsNil() {
			return message.Void, nil
		}
		return m.objectWire(v, op)
	case k == reflect.Struct:
		return m.structWire(v, name, op)
	case k == reflect.Slice || k == reflect.Array:
		w := message.WireValue{Tag: message.TagList, Type: name}
		m.mu.RLock()
		w.ElemTyp = m.typeName(v.Type().Elem())
		m.mu.RUnlock()
		for i := 0; i < v.Len(); i++ {
			e, err := m.toWire(v.Index(i), op)
			if err != nil {
				return message.WireValue{}, err
			}
			w.Elems = append(w.Elems, e)
		}
		return w, nil
	case k == reflect.Map:
		w := message.WireValue{Tag: message.TagMap, Type: name}
		m.mu.RLock()
		w.KeyTyp = m.typeName(v.Type().Key())
		w.ElemTyp = m.typeName(v.Type().Elem())
		m.mu.RUnlock()
		iter := v.MapRange()
		for iter.Next() {
			kw, err := m.toWire(iter.Key(), op)
			if err != nil {
				return message.WireValue{}, err
			}
			vw, err := m.toWire(iter.Value(), op)
			if err != nil {
				return message.WireValue{}, err
			}
			w.Keys = append(w.Keys, kw)
			w.Elems = append(w.Elems, vw)
		}
		return w, nil
	}
	return message.WireValue{}, rpcerr.New(rpcerr.TypeMismatch, op, "cannot send %s", v.Type())
}

func (m *ObjectModel) objectWire(v reflect.Value, op string) (message.WireValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byType[v.Type().Elem()]
	if !ok {
		return message.WireValue{}, rpcerr.New(rpcerr.TypeMismatch, op, "cannot send %s", v.Type())
	}
	id, ok := m.ids[v.Interface()]
	if !ok {
		id = m.add(&instance{typeName: c.name, class: c, v: v})
	}
	return message.WireValue{Tag: message.TagObject, Type: c.name, Handle: id}, nil
}

func (m *ObjectModel) structWire(v reflect.Value, name, op string) (message.WireValue, error) {
	w := message.WireValue{Tag: message.TagStruct, Type: name}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		fw, err := m.toWire(v.Field(i), op+"."+sf.Name)
		if err != nil {
			return message.WireValue{}, err
		}
		w.Fields = append(w.Fields, message.WireField{Name: sf.Name, Value: fw})
	}
	return w, nil
}

// toGo converts a wire value into a value of Go type t.
func (m *ObjectModel) toGo(w message.WireValue, t reflect.Type, op string) (reflect.Value, error) {
	m.mu.RLock()
	e, isEnum := m.enums[t]
	m.mu.RUnlock()

	out := reflect.New(t).Elem()
	k := t.Kind()
	switch {
	case isEnum:
		if w.Tag != message.TagEnum && w.Tag != message.TagInt {
			return out, mismatch(op, w, t)
		}
		if w.Tag == message.TagEnum && w.Type != "" && w.Type != e.name {
			return out, mismatch(op, w, t)
		}
		if !e.valid(w.Int) {
			return out, rpcerr.New(rpcerr.UnknownEnumValue, op, "%s has no ordinal %d", e.name, w.Int)
		}
		out.SetInt(w.Int)
	case k == reflect.Bool:
		if w.Tag != message.TagBool {
			return out, mismatch(op, w, t)
		}
		out.SetBool(w.Bool)
	case k == reflect.String:
		if w.Tag != message.TagString {
			return out, mismatch(op, w, t)
		}
		out.SetString(w.Str)
	case isInt(k):
		var n int64
		switch w.Tag {
		case message.TagInt:
			n = w.Int
		case message.TagUint:
			n = int64(w.Uint)
			if n < 0 {
				return out, mismatch(op, w, t)
			}
		default:
			return out, mismatch(op, w, t)
		}
		if out.OverflowInt(n) {
			return out, rpcerr.New(rpcerr.TypeMismatch, op, "%d overflows %s", n, t)
		}
		out.SetInt(n)
	case isUint(k):
		var n uint64
		switch w.Tag {
		case message.TagUint:
			n = w.Uint
		case message.TagInt:
			if w.Int < 0 {
				return out, mismatch(op, w, t)
			}
			n = uint64(w.Int)
		default:
			return out, mismatch(op, w, t)
		}
		if out.OverflowUint(n) {
			return out, rpcerr.New(rpcerr.TypeMismatch, op, "%d overflows %s", n, t)
		}
		out.SetUint(n)
	case k == reflect.Float32 || k == reflect.Float64:
		switch w.Tag {
		case message.TagFloat:
			out.SetFloat(w.Float)
		case message.TagInt:
			out.SetFloat(float64(w.Int))
		case message.TagUint:
			out.SetFloat(float64(w.Uint))
		default:
			return out, mismatch(op, w, t)
		}
	case k == reflect.Pointer:
		return m.objectGo(w, t, op)
	case k == reflect.Struct:
		return m.structGo(w, t, op)
	case k == reflect.Slice:
		return m.sliceGo(w, t, op)
	case k == reflect.Map:
		if w.Tag != message.TagMap || len(w.Keys) != len(w.Elems) {
			return out, mismatch(op, w, t)
		}
		out = reflect.MakeMapWithSize(t, len(w.Keys))
		for i := range w.Keys {
			kv, err := m.toGo(w.Keys[i], t.Key(), op)
			if err != nil {
				return out, err
			}
			vv, err := m.toGo(w.Elems[i], t.Elem(), op)
			if err != nil {
				return out, err
			}
			out.SetMapIndex(kv, vv)
		}
	default:
		return out, mismatch(op, w, t)
	}
	return out, nil
}

func (m *ObjectModel) objectGo(w message.WireValue, t reflect.Type, op string) (reflect.Value, error) {
	switch w.Tag {
	case message.TagVoid:
		return reflect.Zero(t), nil
	case message.TagObject:
		inst, err := m.instance(w.Handle, op)
		if err != nil {
			return reflect.Value{}, err
		}
		if inst.v.Type() != t {
			return reflect.Value{}, rpcerr.New(rpcerr.TypeMismatch, op, "object %d is a %s, want %s", w.Handle, inst.typeName, t.Elem().Name())
		}
		return inst.v, nil
	case message.TagStruct:
		s, err := m.structGo(w, t.Elem(), op)
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(t.Elem())
		p.Elem().Set(s)
		return p, nil
	}
	return reflect.Value{}, mismatch(op, w, t)
}

// structGo fills the exported fields named on the wire; unknown wire fields are
// ignored. An object handle passes a copy of the object.
func (m *ObjectModel) structGo(w message.WireValue, t reflect.Type, op string) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	switch w.Tag {
	case message.TagObject:
		inst, err := m.instance(w.Handle, op)
		if err != nil {
			return out, err
		}
		if inst.v.Type() != reflect.PointerTo(t) {
			return out, mismatch(op, w, t)
		}
		out.Set(inst.v.Elem())
		return out, nil
	case message.TagStruct:
	default:
		return out, mismatch(op, w, t)
	}
	m.mu.RLock()
	c, ok := m.byType[t]
	m.mu.RUnlock()
	if !ok || (w.Type != "" && w.Type != c.name) {
		return out, mismatch(op, w, t)
	}
	for _, f := range w.Fields {
		sf, ok := t.FieldByName(f.Name)
		if !ok || !sf.IsExported() || len(sf.Index) != 1 {
			continue
		}
		v, err := m.toGo(f.Value, sf.Type, op+"."+f.Name)
		if err != nil {
			return out, err
		}
		out.Field(sf.Index[0]).Set(v)
	}
	return out, nil
}

func (m *ObjectModel) sliceGo(w message.WireValue, t reflect.Type, op string) (reflect.Value, error) {
	switch w.Tag {
	case message.TagContainer:
		inst, err := m.instance(w.Handle, op)
		if err != nil {
			return reflect.Value{}, err
		}
		if inst.class != nil || inst.v.Type() != t {
			return reflect.Value{}, mismatch(op, w, t)
		}
		return inst.v, nil
	case message.TagList:
		out := reflect.MakeSlice(t, len(w.Elems), len(w.Elems))
		for i, e := range w.Elems {
			v, err := m.toGo(e, t.Elem(), op)
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(v)
		}
		return out, nil
	}
	return reflect.Value{}, mismatch(op, w, t)
}
