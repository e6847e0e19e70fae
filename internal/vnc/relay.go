// Package vnc tunnels remote-control sessions to the VNC servers of the
// encoder displays. Bytes are relayed untouched; the RFB protocol is never
// parsed.
package vnc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smazurov/pagecaster/internal/metrics"
)

// Stats counts the bytes moved by one tunnel.
type Stats struct {
	ToServer int64
	ToClient int64
}

// Relay copies bytes between client and server until either side ends or ctx
// is cancelled. Both sides are closed on return.
func Relay(ctx context.Context, client, server io.ReadWriteCloser) (Stats, error) {
	var (
		stats     Stats
		closeOnce sync.Once
	)
	closeBoth := func() {
		closeOnce.Do(func() {
			client.Close()
			server.Close()
		})
	}
	defer closeBoth()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeBoth()
		case <-done:
		}
	}()

	var g errgroup.Group
	g.Go(func() error {
		n, err := io.Copy(server, client)
		stats.ToServer = n
		closeBoth()
		return ignoreClosed(err)
	})
	g.Go(func() error {
		n, err := io.Copy(client, server)
		stats.ToClient = n
		closeBoth()
		return ignoreClosed(err)
	})
	err := g.Wait()

	metrics.AddVNCBytes("to_server", stats.ToServer)
	metrics.AddVNCBytes("to_client", stats.ToClient)
	return stats, err
}

// Connect dials the VNC server on the local port and relays client to it.
func Connect(ctx context.Context, client io.ReadWriteCloser, port int) (Stats, error) {
	server, err := Dial(ctx, port)
	if err != nil {
		client.Close()
		return Stats{}, err
	}
	return Relay(ctx, client, server)
}

// Dial opens a TCP connection to the VNC server on 127.0.0.1:port.
func Dial(ctx context.Context, port int) (net.Conn, error) {
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to reach VNC server on port %d: %w", port, err)
	}
	return conn, nil
}

// ignoreClosed drops the errors a leg sees after the other leg closed both
// sides.
func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
