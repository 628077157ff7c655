package loggeddb

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/tyrantd/pkg/db"
	"github.com/cuemby/tyrantd/pkg/recordlock"
	"github.com/cuemby/tyrantd/pkg/ulog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) (*DB, *ulog.Log) {
	t.Helper()
	backend, err := db.OpenBolt(filepath.Join(t.TempDir(), "t.tcb"))
	require.NoError(t, err)
	log, err := ulog.Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		backend.Close()
		log.Close()
	})
	return New(backend, log, recordlock.New(recordlock.DefaultSlots), 1), log
}

func TestPutAppendsLogEntry(t *testing.T) {
	d, dlog := newTestDB(t)
	require.NoError(t, d.Put([]byte("k"), []byte("v"), 0))

	v, ok, err := d.Backend().Get([]byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(v))

	r, err := dlog.Tail(0)
	require.NoError(t, err)
	defer r.Close()
	entry, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, byte(db.CmdPut), entry.Payload[1])
	assert.Equal(t, byte(0), entry.Payload[len(entry.Payload)-1])
}

func TestPutKeepFailureStillLogsWithFailureByte(t *testing.T) {
	d, dlog := newTestDB(t)
	require.NoError(t, d.PutKeep([]byte("k"), []byte("first"), 0))
	err := d.PutKeep([]byte("k"), []byte("second"), 0)
	assert.Error(t, err)

	r, err := dlog.Tail(0)
	require.NoError(t, err)
	defer r.Close()

	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, byte(0), first.Payload[len(first.Payload)-1])

	second, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, byte(1), second.Payload[len(second.Payload)-1])
}

func TestPutShlTruncatesFromLeft(t *testing.T) {
	d, _ := newTestDB(t)
	require.NoError(t, d.PutShl([]byte("k"), []byte("abc"), 3, 0))
	require.NoError(t, d.PutShl([]byte("k"), []byte("def"), 3, 0))

	v, _, err := d.Backend().Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "def", string(v))
}

func TestRedoReplaysPut(t *testing.T) {
	d1, d1log := newTestDB(t)
	require.NoError(t, d1.Put([]byte("k"), []byte("v"), 0))

	r, err := d1log.Tail(0)
	require.NoError(t, err)
	defer r.Close()
	entry, err := r.Next()
	require.NoError(t, err)

	d2, _ := newTestDB(t)
	require.NoError(t, d2.Redo(entry))
	v, ok, err := d2.Backend().Get([]byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(v))
}

func TestRedoDetectsMismatch(t *testing.T) {
	d, _ := newTestDB(t)
	payload := encodePayload(db.CmdPut, false, []byte("k"), []byte("v"))
	err := d.Redo(ulog.Entry{Payload: payload})
	assert.ErrorContains(t, err, "consistency mismatch")
}

func TestReplaceFailsWhenAbsent(t *testing.T) {
	d, _ := newTestDB(t)
	err := d.Replace([]byte("k"), []byte("v"), 0)
	assert.Error(t, err)

	_, ok, err := d.Backend().Get([]byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplaceOverwritesExisting(t *testing.T) {
	d, _ := newTestDB(t)
	require.NoError(t, d.Put([]byte("k"), []byte("first"), 0))
	require.NoError(t, d.Replace([]byte("k"), []byte("second"), 0))

	v, ok, err := d.Backend().Get([]byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "second", string(v))
}

func TestPrependWritesBeforeExistingValue(t *testing.T) {
	d, _ := newTestDB(t)
	require.NoError(t, d.Put([]byte("k"), []byte("world"), 0))
	require.NoError(t, d.Prepend([]byte("k"), []byte("hello "), 0))

	v, _, err := d.Backend().Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(v))
}

func TestPrependStoresAsIsWhenAbsent(t *testing.T) {
	d, _ := newTestDB(t)
	require.NoError(t, d.Prepend([]byte("k"), []byte("only"), 0))

	v, _, err := d.Backend().Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "only", string(v))
}

func TestRedoReplaysReplaceAndPrepend(t *testing.T) {
	d1, d1log := newTestDB(t)
	require.NoError(t, d1.Put([]byte("k"), []byte("v1"), 0))
	require.NoError(t, d1.Replace([]byte("k"), []byte("v2"), 0))
	require.NoError(t, d1.Prepend([]byte("k"), []byte("pre-"), 0))

	r, err := d1log.Tail(0)
	require.NoError(t, err)
	defer r.Close()

	d2, _ := newTestDB(t)
	for i := 0; i < 3; i++ {
		entry, err := r.Next()
		require.NoError(t, err)
		require.NoError(t, d2.Redo(entry))
	}

	v, _, err := d2.Backend().Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "pre-v2", string(v))
}

func TestVanishClearsAllRecords(t *testing.T) {
	d, _ := newTestDB(t)
	require.NoError(t, d.Put([]byte("a"), []byte("1"), 0))
	require.NoError(t, d.Put([]byte("b"), []byte("2"), 0))
	require.NoError(t, d.Vanish(0))

	n, err := d.Backend().RNum()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}
