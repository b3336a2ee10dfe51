// Package tcpconn dials plain TCP connections to a bus router or broker and
// wraps them as a transport.Session.
package tcpconn

import (
	"context"
	"net"
	"time"

	"github.com/evergreen-library-system/opensrf/bus"
	"github.com/evergreen-library-system/opensrf/transport"
)

// Dial connects to addr over TCP and wraps the connection in a new
// transport.Session bound to domain, ready for Connect.
func Dial(ctx context.Context, addr, domain string, cb transport.Callback) (*transport.Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return transport.NewSession(conn, domain, cb), nil
}

// DialTimeout is a convenience wrapper around Dial for callers without an
// existing context.
func DialTimeout(addr, domain string, timeout time.Duration, cb func(*bus.Message)) (*transport.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return Dial(ctx, addr, domain, cb)
}
