package dispatcher

import (
	"net"
	"time"

	"github.com/cuemby/tyrantd/pkg/log"
	"github.com/cuemby/tyrantd/pkg/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Acceptor owns a listening TCP socket and feeds accepted connections into
// a Pool, tuning each connection for a long-lived protocol session the way
// other_examples' pooled server does (TCP_NODELAY, keepalives).
type Acceptor struct {
	ln   net.Listener
	pool *Pool
	log  zerolog.Logger
}

// Listen opens addr and returns an Acceptor ready to Serve onto pool.
func Listen(addr string, pool *Pool) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Acceptor{ln: ln, pool: pool, log: log.WithComponent("dispatcher")}, nil
}

// Addr reports the bound address, useful when addr was ":0" in tests.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Serve accepts connections until the listener is closed by Close,
// handing each one to the pool. It returns once accept starts failing
// (which Close causes deliberately), so callers should run it in its own
// goroutine.
func (a *Acceptor) Serve() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			return
		}
		tune(conn)
		metrics.ConnectionsTotal.Inc()
		metrics.ConnectionsOpen.Inc()
		connID := uuid.NewString()
		a.log.Debug().Str("conn_id", connID).Str("remote", conn.RemoteAddr().String()).Msg("accepted connection")
		wrapped := &countedConn{Conn: conn, id: connID}
		if !a.pool.Submit(wrapped) {
			a.log.Warn().Str("conn_id", connID).Str("remote", conn.RemoteAddr().String()).Msg("dropped connection, dispatch queue full")
		}
	}
}

// Close stops accepting new connections. In-flight ones already handed to
// the pool are unaffected.
func (a *Acceptor) Close() error {
	return a.ln.Close()
}

func tune(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(30 * time.Second)
}

// countedConn decrements ConnectionsOpen exactly once when the connection
// is finally closed, regardless of whether the pool or its handler closes
// it first.
type countedConn struct {
	net.Conn
	id     string
	closed bool
}

// ConnID returns the trace id assigned to this connection at accept time,
// for handlers that want to tag their own log lines with it.
func (c *countedConn) ConnID() string { return c.id }

func (c *countedConn) Close() error {
	if !c.closed {
		c.closed = true
		metrics.ConnectionsOpen.Dec()
	}
	return c.Conn.Close()
}
