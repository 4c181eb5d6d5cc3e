// Package server is a reference engine host: it serves an ObjectModel over the
// framed protocol so proxies can be exercised without an engine.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → ObjectModel.Dispatch → Codec.Encode → write response
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"uebridge/codec"
	"uebridge/message"
	"uebridge/metrics"
	"uebridge/middleware"
	"uebridge/protocol"
	"uebridge/registry"
	"uebridge/rpcerr"
)

// Server hosts one ObjectModel for any number of connections.
type Server struct {
	model       *ObjectModel
	listener    net.Listener
	wg          sync.WaitGroup // in-flight requests
	shutdown    atomic.Bool
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	buildOnce   sync.Once
	logger      *zap.Logger

	registry      registry.Registry
	service       string
	advertiseAddr string // routable address put in the registry, not the listen address

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(svr *Server) { svr.logger = l }
}

// WithRegistry advertises the host under service at advertiseAddr while it serves.
func WithRegistry(reg registry.Registry, service, advertiseAddr string) Option {
	return func(svr *Server) {
		svr.registry = reg
		svr.service = service
		svr.advertiseAddr = advertiseAddr
	}
}

func NewServer(model *ObjectModel, opts ...Option) *Server {
	svr := &Server{
		model:  model,
		logger: zap.NewNop(),
		conns:  make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(svr)
	}
	return svr
}

// Model returns the hosted object model.
func (svr *Server) Model() *ObjectModel { return svr.model }

// Use registers a middleware. Middlewares run in the order they are added and
// must all be added before serving starts.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// chain builds the handler once: Chain(A, B)(h) runs A.before, B.before, h, B.after, A.after.
func (svr *Server) chain() middleware.HandlerFunc {
	svr.buildOnce.Do(func() {
		svr.handler = middleware.Chain(svr.middlewares...)(svr.model.Dispatch)
	})
	return svr.handler
}

// ListenAndServe listens on address and serves until Shutdown.
func (svr *Server) ListenAndServe(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.Serve(l)
}

// Serve accepts connections on l until Shutdown, which makes it return nil.
func (svr *Server) Serve(l net.Listener) error {
	svr.mu.Lock()
	svr.listener = l
	svr.mu.Unlock()
	svr.chain()

	if svr.registry != nil {
		addr := svr.advertiseAddr
		if addr == "" {
			addr = l.Addr().String()
			svr.advertiseAddr = addr
		}
		err := svr.registry.Register(context.Background(), svr.service, registry.EngineInstance{Addr: addr, Weight: 1}, 10)
		if err != nil {
			return fmt.Errorf("advertise %s: %w", addr, err)
		}
		svr.logger.Info("engine host advertised", zap.String("service", svr.service), zap.String("addr", addr))
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			// Accept fails once Shutdown closes the listener
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.ServeConn(conn)
	}
}

// Addr is the listen address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// ServeConn serves one connection until it fails or the server shuts down.
// Frames are read by a single goroutine; each request is handled on its own, and
// a per-connection write mutex keeps response frames from interleaving.
func (svr *Server) ServeConn(conn net.Conn) {
	handler := svr.chain()
	svr.mu.Lock()
	svr.conns[conn] = struct{}{}
	svr.mu.Unlock()
	defer func() {
		svr.mu.Lock()
		delete(svr.conns, conn)
		svr.mu.Unlock()
		conn.Close()
	}()

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				svr.logger.Debug("connection closed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
			return
		}
		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}
		svr.wg.Add(1)
		go svr.handleRequest(handler, header, body, conn, writeMu)
	}
}

func (svr *Server) handleRequest(handler middleware.HandlerFunc, header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	var resp *message.Response
	req := &message.Request{}
	if err := c.Decode(body, req); err != nil {
		resp = message.Fail(header.Seq, string(rpcerr.Remote), "malformed request: "+err.Error())
	} else {
		req.CallID = header.Seq
		resp = handler(context.Background(), req)
		resp.CallID = header.Seq
	}

	status := "ok"
	if resp.Failed() {
		status = "error"
	}
	metrics.ServedTotal.WithLabelValues(req.Kind.String(), status).Inc()

	out, err := c.Encode(resp)
	if err != nil {
		svr.logger.Error("encode response", zap.Uint64("call_id", header.Seq), zap.Error(err))
		return
	}
	reply := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &reply, out); err != nil {
		svr.logger.Debug("write response", zap.Uint64("call_id", header.Seq), zap.Error(err))
	}
}

// Shutdown deregisters the host, stops accepting, waits up to timeout for
// in-flight requests and then closes every open connection.
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := svr.registry.Deregister(ctx, svr.service, svr.advertiseAddr); err != nil {
			svr.logger.Warn("deregister", zap.Error(err))
		}
		cancel()
	}

	// the flag goes first so Serve sees the Accept error as intentional
	svr.shutdown.Store(true)
	svr.mu.Lock()
	if svr.listener != nil {
		svr.listener.Close()
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for in-flight requests")
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.mu.Unlock()
	return err
}
