// Package netdial implements a plain TCP socketmgr.Dialer: the simplest
// possible connection constructor, grounded on the teacher's own
// backend-dial idiom (internal/proxy/handler.go's net.DialTimeout call)
// but generalized to any TCP backend rather than one hardcoded to SQL
// Server's wire protocol.
package netdial

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/joao-brasil/poolcore/internal/socketmgr"
	"github.com/joao-brasil/poolcore/pkg/backend"
)

// Dialer opens a raw TCP connection to a backend's (address, port).
type Dialer struct {
	Timeout time.Duration
}

// Dial satisfies socketmgr.Dialer. A successful net.DialTimeout is, for a
// plain TCP backend, the connection's "connect" signal — there is no
// further handshake to wait on before the slot can call it Connected.
func (d Dialer) Dial(b backend.Backend) (socketmgr.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	addr := net.JoinHostPort(b.Address, strconv.Itoa(b.Port))
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}

	c := &Conn{nc: nc, events: make(chan socketmgr.ConnEvent, 4)}
	c.events <- socketmgr.ConnEvent{Kind: socketmgr.EventConnect}
	return c, nil
}

// Conn wraps a net.Conn as the pool's opaque connection object (spec
// §6). The claimant recovers the raw net.Conn via Raw() to read/write;
// the pool itself never inspects the payload, so Conn does not watch the
// socket for spontaneous close — a passthrough TCP connection has no
// protocol-independent way to do that without stealing bytes the
// claimant needs.
type Conn struct {
	nc     net.Conn
	events chan socketmgr.ConnEvent
	once   sync.Once
}

// Raw returns the underlying net.Conn.
func (c *Conn) Raw() net.Conn { return c.nc }

func (c *Conn) Events() <-chan socketmgr.ConnEvent { return c.events }

// Destroy closes the socket. Idempotent.
func (c *Conn) Destroy() {
	c.once.Do(func() {
		c.nc.Close()
		close(c.events)
	})
}
