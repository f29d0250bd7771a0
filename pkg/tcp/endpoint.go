package tcp

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// DefaultDialTimeout bounds one connection attempt
const DefaultDialTimeout = 10 * time.Second

// Endpoint dials a TCP peer. It implements failover.Endpoint.
type Endpoint struct {
	Addr        string
	DialTimeout time.Duration
	KeepAlive   time.Duration
}

// NewEndpoint creates an endpoint for addr
func NewEndpoint(addr string) *Endpoint {
	return &Endpoint{Addr: addr, DialTimeout: DefaultDialTimeout}
}

// Open dials the peer
func (e *Endpoint) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	d := net.Dialer{Timeout: e.DialTimeout, KeepAlive: e.KeepAlive}
	conn, err := d.DialContext(ctx, "tcp", e.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", e.Addr, err)
	}
	return conn, nil
}

func (e *Endpoint) String() string {
	return e.Addr
}
