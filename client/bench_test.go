package client_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"uebridge/client"
	"uebridge/config"
	"uebridge/registry"
	"uebridge/server"
	"uebridge/server/demo"
	"uebridge/typedesc"
	"uebridge/value"
)

func setupBench(b *testing.B, codecName string) *client.Client {
	b.Helper()
	model := server.NewObjectModel(zap.NewNop())
	if err := demo.Register(model); err != nil {
		b.Fatal(err)
	}
	svr := server.NewServer(model)
	reg := registry.NewStaticRegistry()
	go svr.ListenAndServe("tcp", "127.0.0.1:0")
	for svr.Addr() == nil {
		time.Sleep(time.Millisecond)
	}
	reg.Register(context.Background(), config.DefaultService, registry.EngineInstance{Addr: svr.Addr().String()}, 10)
	b.Cleanup(func() { svr.Shutdown(3 * time.Second) })

	cfg := config.Default()
	cfg.Codec = codecName
	instances, _ := reg.Discover(context.Background(), config.DefaultService)
	cfg.Registry.Static = instances

	c, err := client.Connect(context.Background(), cfg, zap.NewNop())
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { c.Close() })
	return c
}

func benchAdd(b *testing.B, codecName string, parallel bool) {
	c := setupBench(b, codecName)
	ctx := context.Background()
	obj, err := c.Construct(ctx, demo.MyObjectType)
	if err != nil {
		b.Fatal(err)
	}
	defer obj.Destroy()
	args := []value.Argument{
		value.Arg("a", typedesc.Int32, value.Int{V: 1}),
		value.Arg("b", typedesc.Int32, value.Int{V: 2}),
	}
	b.ResetTimer()

	if !parallel {
		for i := 0; i < b.N; i++ {
			if _, err := obj.CallMethod(ctx, "Add", args...); err != nil {
				b.Fatal(err)
			}
		}
		return
	}
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := obj.CallMethod(ctx, "Add", args...); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// one goroutine, calls back to back
func BenchmarkSerialCall(b *testing.B) { benchAdd(b, "json", false) }

// many goroutines sharing one session
func BenchmarkParallelCall(b *testing.B) { benchAdd(b, "json", true) }

func BenchmarkBinaryCodecCall(b *testing.B) { benchAdd(b, "binary", true) }

func BenchmarkConstructDestroy(b *testing.B) {
	c := setupBench(b, "binary")
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		obj, err := c.Construct(ctx, demo.MyObjectType)
		if err != nil {
			b.Fatal(err)
		}
		obj.Destroy()
	}
}
