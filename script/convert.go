package script

import (
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"

	"uebridge/rpcerr"
	"uebridge/typedesc"
	"uebridge/value"
)

// toValue converts a Lua value for a slot of type slot; nil slot infers the type.
// Whole numbers become Int, the rest Float, unless slot says otherwise.
func (e *Engine) toValue(lv lua.LValue, slot *typedesc.Descriptor) (value.Value, error) {
	const op = "lua argument"
	switch x := lv.(type) {
	case *lua.LNilType:
		return value.Void{}, nil
	case lua.LBool:
		return value.Bool(x), nil
	case lua.LString:
		if slot != nil && slot.Kind() == typedesc.Enum {
			ord, ok := slot.Ordinal(string(x))
			if !ok {
				return nil, rpcerr.New(rpcerr.UnknownEnumValue, op, "%s has no member %q", slot, string(x))
			}
			return value.Enum{Type: slot, Ordinal: ord}, nil
		}
		return value.String(x), nil
	case lua.LNumber:
		n := float64(x)
		switch {
		case slot != nil && slot.Kind() == typedesc.Enum:
			if n != math.Trunc(n) || math.Abs(n) >= 1<<63 {
				return nil, rpcerr.New(rpcerr.TypeMismatch, op, "%v is not an ordinal of %s", n, slot)
			}
			return value.Enum{Type: slot, Ordinal: int64(n)}, nil
		case slot != nil && typedesc.IsFloat(slot):
			return value.Float{V: n, Type: slot}, nil
		case n == math.Trunc(n) && math.Abs(n) < 1<<63:
			return value.Int{V: int64(n)}, nil
		}
		return value.Float{V: n}, nil
	case *lua.LUserData:
		switch p := x.Value.(type) {
		case interface{ Ref() value.ObjectRef }:
			return p.Ref(), nil
		case interface{ Ref() value.ContainerRef }:
			return p.Ref(), nil
		case value.Argument:
			return p.Value, nil
		}
		return nil, rpcerr.New(rpcerr.TypeMismatch, op, "unsupported userdata %T", x.Value)
	case *lua.LTable:
		return e.tableValue(x, slot)
	}
	return nil, rpcerr.New(rpcerr.TypeMismatch, op, "unsupported Lua type %s", lv.Type())
}

// tableValue maps a table to a struct when slot is a struct, to a list when it
// has a sequence part, and to a string-keyed map otherwise.
func (e *Engine) tableValue(t *lua.LTable, slot *typedesc.Descriptor) (value.Value, error) {
	if slot != nil && slot.Kind() == typedesc.Struct {
		args, err := e.namedArgs(t, slot)
		if err != nil {
			return nil, err
		}
		s := value.Struct{Type: slot}
		for _, a := range args {
			s.Fields = append(s.Fields, value.Field{Name: a.Name, Value: a.Value})
		}
		return s, nil
	}

	var elem *typedesc.Descriptor
	if slot != nil && slot.Kind() == typedesc.Container {
		elem = slot.Elem()
	}
	if n := t.MaxN(); n > 0 {
		l := value.List{Type: slot, Items: make([]value.Value, 0, n)}
		for i := 1; i <= n; i++ {
			v, err := e.toValue(t.RawGetInt(i), elem)
			if err != nil {
				return nil, err
			}
			l.Items = append(l.Items, v)
		}
		return l, nil
	}

	m := value.Map{Type: slot, Key: typedesc.String}
	var err error
	t.ForEach(func(k, lv lua.LValue) {
		if err != nil {
			return
		}
		var v value.Value
		if v, err = e.toValue(lv, elem); err == nil {
			m.Keys = append(m.Keys, value.String(k.String()))
			m.Values = append(m.Values, v)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// toLua converts a result for scripts. Enums become their member name, objects
// and containers become proxies.
func (e *Engine) toLua(v value.Value) (lua.LValue, error) {
	L := e.vm
	switch x := v.(type) {
	case nil, value.Void:
		return lua.LNil, nil
	case value.Int:
		return lua.LNumber(x.V), nil
	case value.Uint:
		return lua.LNumber(x.V), nil
	case value.Float:
		return lua.LNumber(x.V), nil
	case value.String:
		return lua.LString(x), nil
	case value.Bool:
		return lua.LBool(x), nil
	case value.Enum:
		if x.Type != nil {
			if name, ok := x.Type.Member(x.Ordinal); ok {
				return lua.LString(name), nil
			}
		}
		return lua.LNumber(x.Ordinal), nil
	case value.ObjectRef:
		o, err := e.client.Bind(x)
		if err != nil {
			return nil, err
		}
		return e.wrap(L, o, objectMeta), nil
	case value.ContainerRef:
		a, err := e.client.BindContainer(x)
		if err != nil {
			return nil, err
		}
		return e.wrap(L, a, containerMeta), nil
	case value.Struct:
		t := L.NewTable()
		for _, f := range x.Fields {
			lv, err := e.toLua(f.Value)
			if err != nil {
				return nil, err
			}
			t.RawSetString(f.Name, lv)
		}
		return t, nil
	case value.List:
		t := L.CreateTable(len(x.Items), 0)
		for _, item := range x.Items {
			lv, err := e.toLua(item)
			if err != nil {
				return nil, err
			}
			t.Append(lv)
		}
		return t, nil
	case value.Map:
		t := L.NewTable()
		for i := range x.Keys {
			k, err := e.toLua(x.Keys[i])
			if err != nil {
				return nil, err
			}
			lv, err := e.toLua(x.Values[i])
			if err != nil {
				return nil, err
			}
			t.RawSet(k, lv)
		}
		return t, nil
	}
	return nil, fmt.Errorf("no Lua form for %T", v)
}
