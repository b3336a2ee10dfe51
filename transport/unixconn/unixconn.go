// Package unixconn dials Unix domain socket connections to a local bus
// router, the path used by drone children that share a host with their
// router, and wraps them as a transport.Session.
package unixconn

import (
	"context"
	"net"
	"time"

	"github.com/evergreen-library-system/opensrf/bus"
	"github.com/evergreen-library-system/opensrf/transport"
)

// Dial connects to the Unix domain socket at path and wraps the connection
// in a new transport.Session bound to domain, ready for Connect.
func Dial(ctx context.Context, path, domain string, cb transport.Callback) (*transport.Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return transport.NewSession(conn, domain, cb), nil
}

// DialTimeout is a convenience wrapper around Dial for callers without an
// existing context.
func DialTimeout(path, domain string, timeout time.Duration, cb func(*bus.Message)) (*transport.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return Dial(ctx, path, domain, cb)
}
