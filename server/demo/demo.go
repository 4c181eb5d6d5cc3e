// Package demo holds the sample classes served by the reference host and the
// matching client-side descriptors.
package demo

import (
	"errors"
	"math"
	"time"

	"uebridge/server"
	"uebridge/typedesc"
)

type MyEnum int32

const (
	TEST MyEnum = iota
	TEST2
	TEST3
)

type Vector2D struct {
	X float64
	Y float64
}

type MyObject struct {
	Value int32
	Label string
}

func (o *MyObject) Add(a, b int32) int32 { return a + b }

// Add2 returns the sum and, as an out parameter, whether it overflowed int32.
func (o *MyObject) Add2(a, b int32) (int32, bool) {
	sum := int64(a) + int64(b)
	return int32(sum), sum > math.MaxInt32 || sum < math.MinInt32
}

func (o *MyObject) TestVector(v Vector2D) Vector2D {
	return Vector2D{X: v.X * 2, Y: v.Y * 2}
}

// TestEnum returns the member after e, wrapping around.
func (o *MyObject) TestEnum(e MyEnum) MyEnum {
	return (e + 1) % 3
}

// Accumulate adds n to Value and returns nothing.
func (o *MyObject) Accumulate(n int32) {
	o.Value += n
}

// Sum adds up the elements of an int32 array.
func (o *MyObject) Sum(items []int32) int64 {
	var total int64
	for _, v := range items {
		total += int64(v)
	}
	return total
}

// Spawn creates an object the caller did not construct.
func (o *MyObject) Spawn(label string) *MyObject {
	return &MyObject{Label: label}
}

func (o *MyObject) Fail(msg string) error {
	return errors.New(msg)
}

func (o *MyObject) Sleep(ms int32) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// Version is called statically.
func (MyObject) Version() string { return "5.3" }

// Register adds the demo classes to m.
func Register(m *server.ObjectModel) error {
	return errors.Join(
		m.Register(MyObject{}),
		m.Register(Vector2D{}),
		m.RegisterEnum(TEST, "TEST", "TEST2", "TEST3"),
	)
}

// Client-side descriptors of the demo classes.
var (
	MyObjectType = typedesc.MustIntern("MyObject", typedesc.Object)
	Vector2DType = must(typedesc.InternStruct("Vector2D",
		typedesc.Field{Name: "X", Type: typedesc.Float64},
		typedesc.Field{Name: "Y", Type: typedesc.Float64}))
	MyEnumType   = must(typedesc.InternEnum("MyEnum", "TEST", "TEST2", "TEST3"))
	IntArrayType = must(typedesc.InternContainer("Array", typedesc.Int32))
)

func must(d *typedesc.Descriptor, err error) *typedesc.Descriptor {
	if err != nil {
		panic(err)
	}
	return d
}
