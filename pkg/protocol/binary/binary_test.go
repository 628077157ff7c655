package binary

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/tyrantd/pkg/config"
	"github.com/cuemby/tyrantd/pkg/db"
	"github.com/cuemby/tyrantd/pkg/loggeddb"
	"github.com/cuemby/tyrantd/pkg/metrics"
	"github.com/cuemby/tyrantd/pkg/protocol"
	"github.com/cuemby/tyrantd/pkg/recordlock"
	"github.com/cuemby/tyrantd/pkg/ulog"
	"github.com/cuemby/tyrantd/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(t *testing.T) (*wire.Conn, net.Conn) {
	t.Helper()
	backend, err := db.OpenBolt(filepath.Join(t.TempDir(), "t.tcb"))
	require.NoError(t, err)
	log, err := ulog.Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		backend.Close()
		log.Close()
	})
	logged := loggeddb.New(backend, log, recordlock.New(recordlock.DefaultSlots), 1)
	ctx := &protocol.Context{DB: logged, Log: log, Mask: config.NewCommandMask(), Sid: 1, Pid: 1, StartedAt: time.Now()}

	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	counters := metrics.NewCounterBlock()
	sc := wire.New(server, time.Second)
	go func() {
		b, err := sc.ReadByte()
		if err != nil || b != db.BinaryMagic {
			return
		}
		// Handle runs on the same wire.Conn the magic byte was read
		// from: a fresh wire.Conn here would drop whatever the
		// bufio.Reader had already buffered past that first byte.
		Handle(ctx, sc, counters)
	}()
	return sc, client
}

func putFrame(key, val []byte) []byte {
	buf := []byte{db.BinaryMagic, byte(db.CmdPut)}
	buf = writeArg(buf, key)
	buf = writeArg(buf, val)
	return buf
}

// TestSequentialRequestsEachGetFreshMagicByte exercises the fix to
// Handle's loop: two requests sent as separate writes (not pipelined in
// one buffer) must each be preceded by their own 0xC8 magic byte, and
// the second request's magic byte must not be misread as a command
// byte.
func TestSequentialRequestsEachGetFreshMagicByte(t *testing.T) {
	_, client := newSession(t)

	_, err := client.Write(putFrame([]byte("a"), []byte("1")))
	require.NoError(t, err)
	status := make([]byte, 1)
	_, err = client.Read(status)
	require.NoError(t, err)
	assert.Equal(t, byte(0), status[0])

	_, err = client.Write(putFrame([]byte("b"), []byte("2")))
	require.NoError(t, err)
	_, err = client.Read(status)
	require.NoError(t, err)
	assert.Equal(t, byte(0), status[0])
}

// TestPipelinedRequestsInOneWrite covers the same loop when both
// requests arrive already concatenated in a single buffer.
func TestPipelinedRequestsInOneWrite(t *testing.T) {
	_, client := newSession(t)

	frame := append(putFrame([]byte("a"), []byte("1")), putFrame([]byte("b"), []byte("2"))...)
	_, err := client.Write(frame)
	require.NoError(t, err)

	status := make([]byte, 1)
	_, err = client.Read(status)
	require.NoError(t, err)
	assert.Equal(t, byte(0), status[0])
	_, err = client.Read(status)
	require.NoError(t, err)
	assert.Equal(t, byte(0), status[0])
}
