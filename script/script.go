// Package script runs Lua against an engine through a proxy.Client.
//
// The global table ue exposes construction and static calls; proxies are userdata
// with methods:
//
//	local v = ue.new("Vector2D", {X = 1, Y = 2})
//	print(v:get("X"))
//	local o = ue.new("MyObject")
//	local sum = o:call("Add", ue.arg("a", "int32", 3), ue.arg("b", "int32", 4))
//	local arr = ue.array("int32", 3)
//	arr[1] = 5            -- element 0 on the engine
//	print(#arr, arr[1])
//	o:destroy()
//
// Engine errors are raised as Lua errors and can be caught with pcall.
package script

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"uebridge/proxy"
	"uebridge/typedesc"
	"uebridge/value"
)

const (
	objectMeta    = "ue.object"
	containerMeta = "ue.container"
	argMeta       = "ue.arg"
)

// arrayName is the engine type name containers are created under.
const arrayName = "Array"

type Engine struct {
	vm     *lua.LState
	client *proxy.Client
	logger *zap.Logger
}

// New prepares a Lua state bound to client. ctx cancels running scripts and every
// remote call they make.
func New(ctx context.Context, client *proxy.Client, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		vm:     lua.NewState(),
		client: client,
		logger: logger,
	}
	e.vm.SetContext(ctx)
	e.register()
	return e
}

func (e *Engine) DoString(source string) error { return e.vm.DoString(source) }

func (e *Engine) DoFile(path string) error { return e.vm.DoFile(path) }

// SetGlobal exposes a Go value to scripts, converted like a call result.
func (e *Engine) SetGlobal(name string, v value.Value) error {
	lv, err := e.toLua(v)
	if err != nil {
		return err
	}
	e.vm.SetGlobal(name, lv)
	return nil
}

// Global reads a script global back as a Value.
func (e *Engine) Global(name string) (value.Value, error) {
	return e.toValue(e.vm.GetGlobal(name), nil)
}

// Close releases the Lua state. Proxies still referenced only by the script are
// destroyed once collected.
func (e *Engine) Close() { e.vm.Close() }

func (e *Engine) ctx() context.Context {
	if ctx := e.vm.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (e *Engine) register() {
	L := e.vm
	ue := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"new":    e.luaNew,
		"array":  e.luaArray,
		"arg":    e.luaArg,
		"enum":   e.luaEnum,
		"static": e.luaStatic,
		"log":    e.luaLog,
	})
	L.SetGlobal("ue", ue)

	obj := L.NewTypeMetatable(objectMeta)
	L.SetField(obj, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"get":     e.get,
		"set":     e.set,
		"call":    e.call,
		"destroy": e.destroy,
		"id":      e.id,
		"type":    e.typeName,
		"state":   e.state,
	}))
	L.SetField(obj, "__tostring", L.NewFunction(e.tostring))

	methods := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"get":     e.get,
		"set":     e.set,
		"call":    e.call,
		"destroy": e.destroy,
		"id":      e.id,
		"type":    e.typeName,
		"len":     e.length,
	})
	arr := L.NewTypeMetatable(containerMeta)
	L.SetFuncs(arr, map[string]lua.LGFunction{
		"__index": func(L *lua.LState) int {
			if n, ok := L.Get(2).(lua.LNumber); ok {
				return e.element(L, int(n))
			}
			L.Push(L.GetField(methods, L.CheckString(2)))
			return 1
		},
		"__newindex": func(L *lua.LState) int {
			return e.setElement(L, L.CheckInt(2), L.Get(3))
		},
		"__len":      e.length,
		"__tostring": e.tostring,
	})

	L.NewTypeMetatable(argMeta)
}

func (e *Engine) raise(L *lua.LState, err error) int {
	L.RaiseError("%s", err.Error())
	return 0
}

func lookup(L *lua.LState, name string) *typedesc.Descriptor {
	d, ok := typedesc.Lookup(name)
	if !ok {
		L.RaiseError("unknown type %q", name)
	}
	return d
}

func (e *Engine) wrap(L *lua.LState, v any, meta string) lua.LValue {
	ud := L.NewUserData()
	ud.Value = v
	L.SetMetatable(ud, L.GetTypeMetatable(meta))
	return ud
}

func checkProxy(L *lua.LState) proxy.Proxy {
	ud := L.CheckUserData(1)
	if p, ok := ud.Value.(proxy.Proxy); ok {
		return p
	}
	L.ArgError(1, "proxy expected")
	return nil
}

func checkContainer(L *lua.LState) *proxy.Container {
	ud := L.CheckUserData(1)
	if a, ok := ud.Value.(*proxy.Container); ok {
		return a
	}
	L.ArgError(1, "container expected")
	return nil
}

// args collects the call arguments from position first on. Plain Lua values
// become untyped arguments named after their position.
func (e *Engine) args(L *lua.LState, first int) []value.Argument {
	var out []value.Argument
	for i := first; i <= L.GetTop(); i++ {
		lv := L.Get(i)
		if ud, ok := lv.(*lua.LUserData); ok {
			if a, ok := ud.Value.(value.Argument); ok {
				out = append(out, a)
				continue
			}
		}
		v, err := e.toValue(lv, nil)
		if err != nil {
			e.raise(L, err)
		}
		out = append(out, value.Argument{Name: fmt.Sprintf("arg%d", i-first), Value: v})
	}
	return out
}

func (e *Engine) pushAll(L *lua.LState, vals []value.Value) int {
	for _, v := range vals {
		lv, err := e.toLua(v)
		if err != nil {
			return e.raise(L, err)
		}
		L.Push(lv)
	}
	return len(vals)
}

// ue.new(type, {field = value, ...}) or ue.new(type, ue.arg(...), ...)
func (e *Engine) luaNew(L *lua.LState) int {
	typ := lookup(L, L.CheckString(1))
	var args []value.Argument
	if tbl, ok := L.Get(2).(*lua.LTable); ok {
		var err error
		if args, err = e.namedArgs(tbl, typ); err != nil {
			return e.raise(L, err)
		}
	} else {
		args = e.args(L, 2)
	}
	obj, err := e.client.Construct(e.ctx(), typ, args...)
	if err != nil {
		return e.raise(L, err)
	}
	L.Push(e.wrap(L, obj, objectMeta))
	return 1
}

// namedArgs turns a field table into one argument per entry, typed by the
// struct schema when typ has one.
func (e *Engine) namedArgs(tbl *lua.LTable, typ *typedesc.Descriptor) ([]value.Argument, error) {
	if typ.HasSchema() {
		var args []value.Argument
		for _, f := range typ.Fields() {
			lv := tbl.RawGetString(f.Name)
			if lv == lua.LNil {
				continue
			}
			v, err := e.toValue(lv, f.Type)
			if err != nil {
				return nil, err
			}
			args = append(args, value.Arg(f.Name, f.Type, v))
		}
		return args, nil
	}
	var (
		args []value.Argument
		err  error
	)
	tbl.ForEach(func(k, lv lua.LValue) {
		if err != nil {
			return
		}
		var v value.Value
		if v, err = e.toValue(lv, nil); err == nil {
			args = append(args, value.Argument{Name: k.String(), Value: v})
		}
	})
	return args, err
}

// ue.array(elemType, size)
func (e *Engine) luaArray(L *lua.LState) int {
	elem := lookup(L, L.CheckString(1))
	typ, err := typedesc.InternContainer(arrayName, elem)
	if err != nil {
		return e.raise(L, err)
	}
	a, err := e.client.NewContainer(e.ctx(), typ, L.CheckInt(2))
	if err != nil {
		return e.raise(L, err)
	}
	L.Push(e.wrap(L, a, containerMeta))
	return 1
}

// ue.arg(name, type, value); type may be a hint such as "int" or "float32".
func (e *Engine) luaArg(L *lua.LState) int {
	name := L.CheckString(1)
	typ := lookup(L, L.CheckString(2))
	v, err := e.toValue(L.Get(3), typ)
	if err != nil {
		return e.raise(L, err)
	}
	L.Push(e.wrap(L, value.Arg(name, typ, v), argMeta))
	return 1
}

// ue.enum(type, member or ordinal) returns the member name after checking it.
func (e *Engine) luaEnum(L *lua.LState) int {
	typ := lookup(L, L.CheckString(1))
	v, err := e.toValue(L.Get(2), typ)
	if err != nil {
		return e.raise(L, err)
	}
	en, ok := v.(value.Enum)
	if !ok || !typ.ValidOrdinal(en.Ordinal) {
		L.RaiseError("%s has no member %s", typ, L.Get(2))
	}
	lv, err := e.toLua(en)
	if err != nil {
		return e.raise(L, err)
	}
	L.Push(lv)
	return 1
}

// ue.static(type, function, args...)
func (e *Engine) luaStatic(L *lua.LState) int {
	typ := lookup(L, L.CheckString(1))
	out, err := e.client.CallStatic(e.ctx(), typ, L.CheckString(2), e.args(L, 3)...)
	if err != nil {
		return e.raise(L, err)
	}
	return e.pushAll(L, out)
}

func (e *Engine) luaLog(L *lua.LState) int {
	e.logger.Info(L.CheckString(1), zap.String("source", "lua"))
	return 0
}

// p:get(name)
func (e *Engine) get(L *lua.LState) int {
	p := checkProxy(L)
	v, err := p.GetProperty(e.ctx(), L.CheckString(2))
	if err != nil {
		return e.raise(L, err)
	}
	return e.pushAll(L, []value.Value{v})
}

// p:set(name, value [, type])
func (e *Engine) set(L *lua.LState) int {
	p := checkProxy(L)
	var typ *typedesc.Descriptor
	if name := L.OptString(4, ""); name != "" {
		typ = lookup(L, name)
	}
	v, err := e.toValue(L.Get(3), typ)
	if err != nil {
		return e.raise(L, err)
	}
	if err := p.SetProperty(e.ctx(), L.CheckString(2), v); err != nil {
		return e.raise(L, err)
	}
	return 0
}

// p:call(name, args...) returns the whole result tuple.
func (e *Engine) call(L *lua.LState) int {
	p := checkProxy(L)
	out, err := p.CallMethod(e.ctx(), L.CheckString(2), e.args(L, 3)...)
	if err != nil {
		return e.raise(L, err)
	}
	return e.pushAll(L, out)
}

func (e *Engine) destroy(L *lua.LState) int {
	checkProxy(L).Destroy()
	return 0
}

func (e *Engine) id(L *lua.LState) int {
	L.Push(lua.LString(checkProxy(L).ID().String()))
	return 1
}

func (e *Engine) typeName(L *lua.LState) int {
	L.Push(lua.LString(checkProxy(L).Type().String()))
	return 1
}

func (e *Engine) state(L *lua.LState) int {
	ud := L.CheckUserData(1)
	o, ok := ud.Value.(*proxy.Object)
	if !ok {
		L.ArgError(1, "object expected")
	}
	L.Push(lua.LString(o.State().String()))
	return 1
}

func (e *Engine) tostring(L *lua.LState) int {
	p := checkProxy(L)
	L.Push(lua.LString(fmt.Sprintf("%s(%s)", p.Type(), p.ID())))
	return 1
}

func (e *Engine) length(L *lua.LState) int {
	n, err := checkContainer(L).Len(e.ctx())
	if err != nil {
		return e.raise(L, err)
	}
	L.Push(lua.LNumber(n))
	return 1
}

// element reads the 1-based Lua index i.
func (e *Engine) element(L *lua.LState, i int) int {
	v, err := checkContainer(L).GetElement(e.ctx(), i-1)
	if err != nil {
		return e.raise(L, err)
	}
	return e.pushAll(L, []value.Value{v})
}

func (e *Engine) setElement(L *lua.LState, i int, lv lua.LValue) int {
	a := checkContainer(L)
	v, err := e.toValue(lv, a.Elem())
	if err != nil {
		return e.raise(L, err)
	}
	if err := a.SetElement(e.ctx(), i-1, v); err != nil {
		return e.raise(L, err)
	}
	return 0
}
