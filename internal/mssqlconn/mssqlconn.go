// Package mssqlconn implements a socketmgr.Dialer backed by the
// teacher's own driver: go-mssqldb opened through database/sql, exactly
// the sql.Open("sqlserver", ...) idiom internal/pool/pool.go in the
// teacher uses to establish one bucket's backend connection.
package mssqlconn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/joao-brasil/poolcore/internal/socketmgr"
	"github.com/joao-brasil/poolcore/pkg/backend"
)

// Dialer opens one SQL Server connection per slot, pinned to a single
// physical connection (MaxOpenConns=1) so the pool's own slot accounting
// — not database/sql's internal pool — is what the claimant observes.
type Dialer struct {
	User     string
	Password string
	Database string
	Timeout  time.Duration
}

// Dial satisfies socketmgr.Dialer. sql.Open never itself dials — it's
// PingContext that forces the handshake, which is what makes a bad
// backend (wrong port, server down) surface as a Dial error here rather
// than silently on the connection's first query.
func (d Dialer) Dial(b backend.Backend) (socketmgr.Conn, error) {
	dsn := fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s", d.User, d.Password, b.Address, b.Port, d.Database)

	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	c := &Conn{db: db, events: make(chan socketmgr.ConnEvent, 4)}
	c.events <- socketmgr.ConnEvent{Kind: socketmgr.EventConnect}
	return c, nil
}

// Conn wraps one backend *sql.DB handle as the pool's opaque connection
// object (spec §6). The claimant recovers it through DB() to run
// queries; the pool core never looks inside.
type Conn struct {
	db     *sql.DB
	events chan socketmgr.ConnEvent
	once   sync.Once
}

// DB returns the underlying *sql.DB pinned to this slot's connection.
func (c *Conn) DB() *sql.DB { return c.db }

func (c *Conn) Events() <-chan socketmgr.ConnEvent { return c.events }

// Destroy closes the database handle. Idempotent.
func (c *Conn) Destroy() {
	c.once.Do(func() {
		c.db.Close()
		close(c.events)
	})
}
