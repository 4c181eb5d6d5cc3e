package transport

import (
	"net"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// WebSocketHandler upgrades each request and hands serve a net.Conn over binary
// messages. serve runs on the handler goroutine and owns the conn.
func WebSocketHandler(serve func(net.Conn), logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		c.SetReadLimit(-1)
		serve(websocket.NetConn(r.Context(), c, websocket.MessageBinary))
	})
}
