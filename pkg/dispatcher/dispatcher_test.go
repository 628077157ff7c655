package dispatcher

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/tyrantd/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, conn net.Conn, counters *metrics.CounterBlock) {
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return
	}
	counters.Hit(metrics.CmdGet)
	_, _ = conn.Write([]byte(line))
}

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPoolHandlesConnection(t *testing.T) {
	pool := New(2, 4, 0, echoHandler)
	pool.Start()
	defer pool.Stop()

	a, err := Listen("127.0.0.1:0", pool)
	require.NoError(t, err)
	defer a.Close()
	go a.Serve()

	conn := dial(t, a.Addr())
	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(buf[:n]))

	hits, _ := metrics.Aggregate(pool.Counters())
	assert.GreaterOrEqual(t, hits[metrics.CmdGet], int64(1))
}

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	var handling int32

	blocker := func(ctx context.Context, conn net.Conn, counters *metrics.CounterBlock) {
		atomic.AddInt32(&handling, 1)
		<-block
	}

	pool := New(1, 1, 0, blocker)
	pool.Start()
	defer func() {
		close(block)
		pool.Stop()
	}()

	a, err := Listen("127.0.0.1:0", pool)
	require.NoError(t, err)
	defer a.Close()
	go a.Serve()

	var conns []net.Conn
	for i := 0; i < 4; i++ {
		c := dial(t, a.Addr())
		conns = append(conns, c)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&handling) >= 1
	}, time.Second, 10*time.Millisecond)

	// With one worker busy and a queue depth of one, at least one of the
	// remaining dialed connections should see its socket closed by the
	// dispatcher rather than hang forever.
	sawClose := false
	for _, c := range conns {
		c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		buf := make([]byte, 1)
		_, err := c.Read(buf)
		if ne, ok := err.(net.Error); err != nil && !(ok && ne.Timeout()) {
			sawClose = true
		}
	}
	assert.True(t, sawClose, "expected at least one connection to be dropped under queue pressure")
}

func TestPoolReplacesWorkerOnTimeout(t *testing.T) {
	started := make(chan struct{}, 4)

	hung := func(ctx context.Context, conn net.Conn, counters *metrics.CounterBlock) {
		started <- struct{}{}
		time.Sleep(time.Hour) // never returns on its own; relies on conn close to unwind in real usage
	}

	pool := New(1, 2, 20*time.Millisecond, hung)
	pool.Start()
	defer pool.Stop()

	a, err := Listen("127.0.0.1:0", pool)
	require.NoError(t, err)
	defer a.Close()
	go a.Serve()

	dial(t, a.Addr())
	<-started

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.WorkersRestarted) >= 1
	}, time.Second, 10*time.Millisecond)

	// The pool should still accept a second connection on the replaced slot.
	c2 := dial(t, a.Addr())
	_, err = c2.Write([]byte("x"))
	assert.NoError(t, err)
}
