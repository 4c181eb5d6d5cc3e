package middleware

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"uebridge/message"
	"uebridge/rpcerr"
)

// echoHandler answers every request successfully.
func echoHandler(ctx context.Context, req *message.Request) *message.Response {
	return message.OK(req.CallID, message.WireValue{Tag: message.TagString, Str: req.Name})
}

// slowHandler takes 200ms.
func slowHandler(ctx context.Context, req *message.Request) *message.Response {
	time.Sleep(200 * time.Millisecond)
	return echoHandler(ctx, req)
}

// flakyHandler times out the first n calls, then succeeds.
func flakyHandler(n int32, calls *atomic.Int32) HandlerFunc {
	return func(ctx context.Context, req *message.Request) *message.Response {
		if calls.Add(1) <= n {
			return message.Fail(req.CallID, string(rpcerr.TimedOut), "no response")
		}
		return echoHandler(ctx, req)
	}
}

func getX() *message.Request {
	return &message.Request{CallID: 1, Kind: message.KindGet, TypeName: "Vector2D", Name: "X"}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	resp := handler(context.Background(), getX())
	if resp == nil || resp.Failed() {
		t.Fatalf("expect success, got %+v", resp)
	}
	if logs.FilterMessage("request").Len() != 1 {
		t.Fatalf("expect one request log, got %d", logs.Len())
	}

	failing := LoggingMiddleware(zap.New(core))(func(ctx context.Context, req *message.Request) *message.Response {
		return message.Fail(req.CallID, string(rpcerr.NoSuchProperty), "Vector2D has no property Z")
	})
	failing(context.Background(), getX())
	entries := logs.FilterMessage("request failed").All()
	if len(entries) != 1 || entries[0].ContextMap()["error_kind"] != "NoSuchProperty" {
		t.Fatalf("expect a failure log with error_kind, got %+v", entries)
	}
}

func TestTimeoutPass(t *testing.T) {
	// handler is fast; 500ms is plenty
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), getX())
	if resp.Failed() {
		t.Fatalf("expect no error, got '%s'", resp.ErrorMessage)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 50ms budget for a 200ms handler
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), getX())
	if resp.ErrorKind != string(rpcerr.TimedOut) {
		t.Fatalf("expect TimedOut, got '%s'", resp.ErrorKind)
	}
	if resp.CallID != 1 {
		t.Fatalf("expect call id 1, got %d", resp.CallID)
	}
}

func TestRetryReads(t *testing.T) {
	var calls atomic.Int32
	handler := RetryMiddleware(3, time.Millisecond, zap.NewNop())(flakyHandler(2, &calls))

	resp := handler(context.Background(), getX())
	if resp.Failed() {
		t.Fatalf("expect success after retries, got '%s'", resp.ErrorMessage)
	}
	if calls.Load() != 3 {
		t.Fatalf("expect 3 attempts, got %d", calls.Load())
	}
}

func TestRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	handler := RetryMiddleware(2, time.Millisecond, zap.NewNop())(flakyHandler(10, &calls))

	resp := handler(context.Background(), getX())
	if resp.ErrorKind != string(rpcerr.TimedOut) {
		t.Fatalf("expect TimedOut, got '%s'", resp.ErrorKind)
	}
	if calls.Load() != 3 {
		t.Fatalf("expect 1 attempt + 2 retries, got %d", calls.Load())
	}
}

func TestRetryNeverReplaysNonIdempotent(t *testing.T) {
	for _, kind := range []message.Kind{message.KindNew, message.KindCall, message.KindSet, message.KindDestroy} {
		var calls atomic.Int32
		handler := RetryMiddleware(3, time.Millisecond, zap.NewNop())(flakyHandler(1, &calls))

		req := &message.Request{CallID: 1, Kind: kind, TypeName: "MyObject"}
		resp := handler(context.Background(), req)
		if resp.ErrorKind != string(rpcerr.TimedOut) {
			t.Fatalf("%s: expect the TimedOut to surface, got %+v", kind, resp)
		}
		if calls.Load() != 1 {
			t.Fatalf("%s: expect exactly one attempt, got %d", kind, calls.Load())
		}
	}
}

func TestRetryOnlyOnTimeout(t *testing.T) {
	var calls atomic.Int32
	handler := RetryMiddleware(3, time.Millisecond, zap.NewNop())(func(ctx context.Context, req *message.Request) *message.Response {
		calls.Add(1)
		return message.Fail(req.CallID, string(rpcerr.NoSuchProperty), "no")
	})
	handler(context.Background(), getX())
	if calls.Load() != 1 {
		t.Fatalf("expect no retry for NoSuchProperty, got %d attempts", calls.Load())
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is refused
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), getX())
		if resp.Failed() {
			t.Fatalf("request %d should pass, got error: %s", i, resp.ErrorMessage)
		}
	}

	resp := handler(context.Background(), getX())
	if resp.ErrorKind != ErrorKindRateLimited {
		t.Fatalf("request 3 should be rate limited, got: '%s'", resp.ErrorKind)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	chained := Chain(mark("outer"), LoggingMiddleware(zap.NewNop()), TimeOutMiddleware(500*time.Millisecond), mark("inner"))
	handler := chained(echoHandler)

	resp := handler(context.Background(), getX())
	if resp == nil || resp.Failed() {
		t.Fatalf("expect success, got %+v", resp)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("unexpected order %v", order)
	}
}
