// Package transport opens the byte stream a session runs over.
//
// Endpoints:
//
//	tcp://127.0.0.1:60001   plain TCP
//	127.0.0.1:60001         same
//	ws://host:port/path     binary WebSocket messages carrying the framed stream
//	wss://host:port/path
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Default port range scanned when no endpoint is configured.
const (
	DefaultHost     = "127.0.0.1"
	DefaultPortFrom = 60001
	DefaultPortTo   = 60005
)

var ErrNoEngine = errors.New("no engine reachable")

// Dial connects to endpoint. The returned conn is owned by the caller.
func Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	scheme, rest, found := strings.Cut(endpoint, "://")
	if !found {
		scheme, rest = "tcp", endpoint
	}
	switch scheme {
	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", rest)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", endpoint, err)
		}
		return conn, nil
	case "ws", "wss":
		c, _, err := websocket.Dial(ctx, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", endpoint, err)
		}
		c.SetReadLimit(-1)
		// the conn outlives the dial context
		return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
	}
	return nil, fmt.Errorf("dial %s: unsupported scheme %q", endpoint, scheme)
}

// ScanDial tries host:from through host:to in order and returns the first
// connection that succeeds.
func ScanDial(ctx context.Context, host string, from, to int, logger *zap.Logger) (net.Conn, string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if from > to {
		return nil, "", fmt.Errorf("scan %s: empty port range %d-%d", host, from, to)
	}
	var errs []error
	for port := from; port <= to; port++ {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		conn, err := Dial(ctx, addr)
		if err == nil {
			logger.Info("engine found", zap.String("addr", addr))
			return conn, addr, nil
		}
		logger.Debug("port not answering", zap.String("addr", addr), zap.Error(err))
		errs = append(errs, err)
	}
	return nil, "", fmt.Errorf("%w on %s:%d-%d: %w", ErrNoEngine, host, from, to, errors.Join(errs...))
}
