package vnc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/smazurov/pagecaster/internal/logging"
	"github.com/smazurov/pagecaster/internal/metrics"
)

// Forwarder accepts raw TCP connections and tunnels each one to a fixed
// local VNC port, for clients that do not speak websocket.
type Forwarder struct {
	Addr       string
	TargetPort int
	Logger     *slog.Logger
}

// NewForwarder creates a forwarder listening on addr.
func NewForwarder(addr string, targetPort int) *Forwarder {
	return &Forwarder{Addr: addr, TargetPort: targetPort, Logger: logging.GetLogger("vnc")}
}

// ListenAndServe listens on f.Addr and serves until ctx is cancelled.
func (f *Forwarder) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", f.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", f.Addr, err)
	}
	return f.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. Open tunnels are
// closed before it returns.
func (f *Forwarder) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	f.Logger.Info("VNC forwarder listening", "addr", ln.Addr().String(), "target_port", f.TargetPort)

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.forward(ctx, conn)
		}()
	}
}

func (f *Forwarder) forward(ctx context.Context, conn net.Conn) {
	logger := f.Logger.With("remote", conn.RemoteAddr().String(), "port", f.TargetPort)
	done := metrics.VNCTunnelOpened()
	defer done()

	stats, err := Connect(ctx, conn, f.TargetPort)
	if err != nil {
		logger.Warn("VNC tunnel failed", "error", err)
		return
	}
	logger.Debug("VNC tunnel closed", "to_server", stats.ToServer, "to_client", stats.ToClient)
}
