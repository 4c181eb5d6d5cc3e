// Package session implements the RPC session: one logical connection to the engine
// that every call is funneled through.
//
// Many goroutines share a session. Each request gets a unique call id, and a
// background goroutine (recvLoop) reads responses and routes each one to the caller
// waiting on that id:
//
//	goroutine-1 ──Send(id=1)──┐
//	goroutine-2 ──Send(id=2)──┼──→ single conn ──→ engine
//	goroutine-3 ──Send(id=3)──┘
//
//	recvLoop:  ←── response(id=2) → pending[2] → goroutine-2 wakes up
//
// Responses may arrive in any order. Call ids are never reused, so a response that
// arrives after its caller gave up can only be discarded, never misdelivered.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"uebridge/codec"
	"uebridge/message"
	"uebridge/metrics"
	"uebridge/protocol"
	"uebridge/rpcerr"
)

// DefaultHeartbeat is the keepalive interval used unless WithHeartbeat overrides it.
const DefaultHeartbeat = 30 * time.Second

// State of a session. A session never reopens.
type State int32

const (
	Open State = iota
	Closed
)

func (s State) String() string {
	if s == Open {
		return "Open"
	}
	return "Closed"
}

type result struct {
	resp *message.Response
	err  error
}

// pendingCall lives between Send and the matching response, a timeout, or session close.
type pendingCall struct {
	kind      message.Kind
	sentAt    time.Time
	ch        chan result // buffered: the one delivery never blocks recvLoop
	answered  bool
	abandoned bool // caller timed out; a late response is dropped
}

// Session multiplexes calls over one connection.
type Session struct {
	conn      io.ReadWriteCloser
	codec     codec.Codec
	logger    *zap.Logger
	heartbeat time.Duration

	sending sync.Mutex // serializes frame writes; also orders call ids on the wire
	nextID  uint64     // guarded by sending

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	state   State
	cause   error

	closeOnce sync.Once
	done      chan struct{}
	inflight  atomic.Int64
}

type Option func(*Session)

// WithCodec selects the body encoding for requests.
func WithCodec(t codec.CodecType) Option {
	return func(s *Session) { s.codec = codec.GetCodec(t) }
}

// WithHeartbeat sets the keepalive interval; zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Session) { s.heartbeat = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// New starts a session on conn. It owns conn from here on and closes it when the
// session closes.
func New(conn io.ReadWriteCloser, opts ...Option) *Session {
	s := &Session{
		conn:      conn,
		codec:     codec.GetCodec(codec.CodecTypeJSON),
		logger:    zap.NewNop(),
		heartbeat: DefaultHeartbeat,
		pending:   make(map[uint64]*pendingCall),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.recvLoop()
	if s.heartbeat > 0 {
		go s.heartbeatLoop(s.heartbeat)
	}
	return s
}

// Send assigns the next call id to req, registers it as pending and writes it.
// It returns as soon as the frame is written.
//
// The pending entry is registered before the write so recvLoop can never see a
// response for an id it does not know yet.
func (s *Session) Send(kind message.Kind, req *message.Request) (uint64, error) {
	op := kind.String() + " " + req.TypeName
	s.sending.Lock()
	defer s.sending.Unlock()

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return 0, &rpcerr.Error{Kind: rpcerr.SessionClosed, Op: op, Err: s.cause}
	}
	s.mu.Unlock()

	s.nextID++
	id := s.nextID
	req.Kind = kind
	req.CallID = id

	body, err := s.codec.Encode(req)
	if err != nil {
		return 0, fmt.Errorf("%s: encode request: %w", op, err)
	}
	header := protocol.Header{
		CodecType: byte(s.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       id,
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return 0, &rpcerr.Error{Kind: rpcerr.SessionClosed, Op: op, Err: s.cause}
	}
	s.pending[id] = &pendingCall{kind: kind, sentAt: time.Now(), ch: make(chan result, 1)}
	s.mu.Unlock()
	s.inflight.Add(1)
	metrics.InFlight.Inc()

	if err := protocol.Encode(s.conn, &header, body); err != nil {
		s.mu.Lock()
		if pc, ok := s.pending[id]; ok && !pc.answered {
			delete(s.pending, id)
			s.settle()
		}
		s.mu.Unlock()
		s.shutdown(rpcerr.ConnectionLost, err)
		metrics.CallsTotal.WithLabelValues(kind.String(), string(rpcerr.ConnectionLost)).Inc()
		return 0, rpcerr.Wrap(rpcerr.ConnectionLost, op, err)
	}
	return id, nil
}

// AwaitResponse blocks until the response for callID arrives or timeout elapses.
// A zero timeout waits indefinitely.
//
// TimedOut is an ordinary outcome: the call stays registered as abandoned until a
// late response arrives, which is then discarded. Awaiting an id this session does
// not own, or one already answered or abandoned, fails with UnknownCall.
func (s *Session) AwaitResponse(callID uint64, timeout time.Duration) (*message.Response, error) {
	return s.await(context.Background(), callID, timeout)
}

// Call sends req and waits for its response. The response may carry an Error
// status; only transport-level failures are returned as errors.
func (s *Session) Call(ctx context.Context, kind message.Kind, req *message.Request, timeout time.Duration) (*message.Response, error) {
	id, err := s.Send(kind, req)
	if err != nil {
		return nil, err
	}
	return s.await(ctx, id, timeout)
}

func (s *Session) await(ctx context.Context, id uint64, timeout time.Duration) (*message.Response, error) {
	s.mu.Lock()
	pc, ok := s.pending[id]
	if !ok || pc.abandoned {
		s.mu.Unlock()
		return nil, rpcerr.New(rpcerr.UnknownCall, "await", "no pending call %d", id)
	}
	s.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	var cause error
	select {
	case r := <-pc.ch:
		return s.finish(id, pc, r)
	case <-timer:
		cause = fmt.Errorf("no response after %s", timeout)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	s.mu.Lock()
	if pc.answered {
		// delivered while we were timing out
		s.mu.Unlock()
		return s.finish(id, pc, <-pc.ch)
	}
	pc.abandoned = true
	s.mu.Unlock()

	metrics.CallsTotal.WithLabelValues(pc.kind.String(), string(rpcerr.TimedOut)).Inc()
	s.logger.Warn("call timed out",
		zap.Uint64("call_id", id),
		zap.Stringer("kind", pc.kind),
		zap.Duration("elapsed", time.Since(pc.sentAt)))
	return nil, &rpcerr.Error{Kind: rpcerr.TimedOut, Op: fmt.Sprintf("%s call %d", pc.kind, id), Err: cause}
}

func (s *Session) finish(id uint64, pc *pendingCall, r result) (*message.Response, error) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()

	outcome := "ok"
	switch {
	case r.err != nil:
		outcome = "error"
		if k := rpcerr.KindOf(r.err); k != "" {
			outcome = string(k)
		}
	case r.resp.Failed():
		outcome = "error"
	}
	metrics.CallsTotal.WithLabelValues(pc.kind.String(), outcome).Inc()
	if r.err == nil {
		metrics.CallDuration.WithLabelValues(pc.kind.String()).Observe(time.Since(pc.sentAt).Seconds())
	}
	return r.resp, r.err
}

// settle accounts for one pending call leaving the in-flight set. Caller holds mu.
func (s *Session) settle() {
	s.inflight.Add(-1)
	metrics.InFlight.Dec()
}

// recvLoop is the only reader of conn: frames must be read sequentially to keep
// their boundaries. It exits when the connection fails or the session is closed.
func (s *Session) recvLoop() {
	for {
		header, body, err := protocol.Decode(s.conn)
		if err != nil {
			s.shutdown(rpcerr.ConnectionLost, err)
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeRequest:
			s.logger.Warn("engine sent a request frame; ignored", zap.Uint64("seq", header.Seq))
			continue
		}

		var resp message.Response
		cdc := codec.GetCodec(codec.CodecType(header.CodecType))
		if err := cdc.Decode(body, &resp); err != nil {
			s.deliver(header.Seq, result{err: fmt.Errorf("decode response %d: %w", header.Seq, err)})
			continue
		}
		if resp.CallID != header.Seq {
			s.logger.Warn("response call id differs from frame seq",
				zap.Uint64("seq", header.Seq), zap.Uint64("call_id", resp.CallID))
		}
		s.deliver(header.Seq, result{resp: &resp})
	}
}

// deliver routes a response to its waiting caller, or drops it if the caller gave up.
func (s *Session) deliver(id uint64, r result) {
	s.mu.Lock()
	pc, ok := s.pending[id]
	if !ok || pc.answered {
		s.mu.Unlock()
		s.logger.Warn("response for unknown call", zap.Uint64("call_id", id))
		return
	}
	s.settle()
	if pc.abandoned {
		delete(s.pending, id)
		s.mu.Unlock()
		metrics.LateResponses.Inc()
		s.logger.Info("discarding late response",
			zap.Uint64("call_id", id),
			zap.Stringer("kind", pc.kind),
			zap.Duration("after", time.Since(pc.sentAt)))
		return
	}
	pc.answered = true
	pc.ch <- r
	s.mu.Unlock()
}

// shutdown moves the session to Closed exactly once and fails every pending call
// with kind. Abandoned calls are dropped.
func (s *Session) shutdown(kind rpcerr.Kind, cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		s.cause = cause
		failed := 0
		for id, pc := range s.pending {
			if pc.answered {
				continue
			}
			s.settle()
			if pc.abandoned {
				delete(s.pending, id)
				continue
			}
			pc.answered = true
			pc.ch <- result{err: &rpcerr.Error{Kind: kind, Op: fmt.Sprintf("%s call %d", pc.kind, id), Err: cause}}
			failed++
		}
		s.mu.Unlock()

		close(s.done)
		s.conn.Close()

		if kind == rpcerr.ConnectionLost {
			metrics.ConnectionsLost.Inc()
			s.logger.Warn("connection lost", zap.Error(cause), zap.Int("failed_calls", failed))
		} else {
			s.logger.Debug("session closed", zap.Int("failed_calls", failed))
		}
	})
}

// Close closes the session. Pending calls fail with SessionClosed. It is safe to
// call more than once.
func (s *Session) Close() error {
	s.shutdown(rpcerr.SessionClosed, fmt.Errorf("closed locally"))
	return nil
}

// State reports whether the session still accepts calls.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns what closed the session, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Pending returns the number of calls awaiting a response, abandoned ones included.
func (s *Session) Pending() int {
	return int(s.inflight.Load())
}

// heartbeatLoop sends periodic heartbeat frames so an idle connection is kept open
// and a dead one is noticed. Heartbeat frames have no body.
func (s *Session) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{
			CodecType: byte(s.codec.Type()),
			MsgType:   protocol.MsgTypeHeartbeat,
		}
		// heartbeat writes also need the sending lock to avoid frame interleaving
		s.sending.Lock()
		err := protocol.Encode(s.conn, header, nil)
		s.sending.Unlock()
		if err != nil {
			s.shutdown(rpcerr.ConnectionLost, err)
			return
		}
	}
}
