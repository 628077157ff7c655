package server

import (
	"net"
	"testing"
	"time"

	"github.com/cuemby/tyrantd/pkg/config"
	"github.com/cuemby/tyrantd/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.DBSpec = "*"
	cfg.UlogDir = t.TempDir()
	cfg.MetricsAddr = ""
	cfg.ThreadNum = 2
	cfg.Timeout = 2 * time.Second
	require.NoError(t, cfg.Finalize())
	return cfg
}

func TestOpenServesBinaryProtocol(t *testing.T) {
	srv, err := Open(testConfig(t))
	require.NoError(t, err)
	defer srv.Shutdown()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	frame := []byte{db.BinaryMagic, byte(db.CmdPut)}
	frame = append(frame, 0, 0, 0, 1, 'k')
	frame = append(frame, 0, 0, 0, 1, 'v')
	_, err = conn.Write(frame)
	require.NoError(t, err)

	status := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(status)
	require.NoError(t, err)
	assert.Equal(t, byte(0), status[0])
}

func TestOpenServesMemcachedProtocol(t *testing.T) {
	srv, err := Open(testConfig(t))
	require.NoError(t, err)
	defer srv.Shutdown()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("set k 0 0 1\r\nv\r\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "STORED\r\n", string(buf[:n]))
}

func TestSetMasterSwapsReplicationTarget(t *testing.T) {
	srv, err := Open(testConfig(t))
	require.NoError(t, err)
	defer srv.Shutdown()

	require.NoError(t, srv.setMaster("127.0.0.1", 19999))
	assert.Equal(t, "127.0.0.1", srv.ctx.MasterHost)
	assert.Equal(t, 19999, srv.ctx.MasterPort)
	srv.replMu.Lock()
	repl := srv.repl
	srv.replMu.Unlock()
	assert.NotNil(t, repl)
}
