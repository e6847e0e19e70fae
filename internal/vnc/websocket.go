package vnc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smazurov/pagecaster/internal/logging"
	"github.com/smazurov/pagecaster/internal/metrics"
)

// Default VNC port range.
const (
	DefaultMinPort = 5900
	DefaultMaxPort = 5999
)

// Handler upgrades GET /vnc?port=N to a websocket and relays it to the VNC
// server on that local port. It speaks the "binary" subprotocol noVNC uses.
type Handler struct {
	MinPort int
	MaxPort int
	Logger  *slog.Logger

	upgrader websocket.Upgrader
}

// NewHandler creates a Handler for ports in [minPort, maxPort]. Zero values
// select the default range.
func NewHandler(minPort, maxPort int) *Handler {
	if minPort <= 0 {
		minPort = DefaultMinPort
	}
	if maxPort <= 0 {
		maxPort = DefaultMaxPort
	}
	return &Handler{
		MinPort: minPort,
		MaxPort: maxPort,
		Logger:  logging.GetLogger("vnc"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			Subprotocols:    []string{"binary"},
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.URL.Query().Get("port"))
	if err != nil || port < h.MinPort || port > h.MaxPort {
		http.Error(w, "port must be between "+strconv.Itoa(h.MinPort)+" and "+strconv.Itoa(h.MaxPort), http.StatusBadRequest)
		return
	}

	// Dial first so an unreachable server is reported as HTTP, not as a
	// websocket that closes immediately.
	server, err := Dial(r.Context(), port)
	if err != nil {
		h.Logger.Warn("VNC server unreachable", "port", port, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		server.Close()
		h.Logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	done := metrics.VNCTunnelOpened()
	defer done()

	logger := h.Logger.With("port", port, "remote", r.RemoteAddr)
	logger.Info("VNC tunnel opened")
	started := time.Now()

	// The request context ends when ServeHTTP returns; the tunnel lives
	// until one side hangs up.
	stats, err := Relay(context.WithoutCancel(r.Context()), NewWSConn(ws), server)
	logger.Info("VNC tunnel closed",
		"to_server", stats.ToServer, "to_client", stats.ToClient,
		"duration", time.Since(started).Round(time.Second), "error", err)
}

// WSConn adapts a websocket connection to io.ReadWriteCloser. Every Write is
// sent as one binary message; Read concatenates incoming data messages.
type WSConn struct {
	conn *websocket.Conn
	r    io.Reader

	wmu       sync.Mutex
	closeOnce sync.Once
}

// NewWSConn wraps conn.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

func (c *WSConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			mt, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *WSConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and closes the connection.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
