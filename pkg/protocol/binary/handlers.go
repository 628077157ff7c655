package binary

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/tyrantd/pkg/db"
	"github.com/cuemby/tyrantd/pkg/errcode"
	"github.com/cuemby/tyrantd/pkg/metrics"
	"github.com/cuemby/tyrantd/pkg/protocol"
	"github.com/cuemby/tyrantd/pkg/ulog"
	"github.com/cuemby/tyrantd/pkg/wire"
)

func replyOK(conn *wire.Conn, parts ...[]byte) (bool, error) {
	buf := []byte{errcode.Success.BinaryStatus()}
	for _, p := range parts {
		buf = append(buf, p...)
	}
	if err := conn.Send(buf); err != nil {
		return false, err
	}
	return true, nil
}

func replyFail(conn *wire.Conn, applyErr error) (bool, error) {
	code := errcode.CodeOf(applyErr)
	if err := conn.Send([]byte{code.BinaryStatus()}); err != nil {
		return false, err
	}
	return true, applyErr
}

func handlePut(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	key, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	val, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	if err := ctx.DB.Put(key, val, ctx.Sid); err != nil {
		return replyFail(conn, err)
	}
	return replyOK(conn)
}

func handlePutKeep(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	key, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	val, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	if err := ctx.DB.PutKeep(key, val, ctx.Sid); err != nil {
		return replyFail(conn, err)
	}
	return replyOK(conn)
}

func handlePutCat(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	key, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	val, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	if err := ctx.DB.PutCat(key, val, ctx.Sid); err != nil {
		return replyFail(conn, err)
	}
	return replyOK(conn)
}

func handlePutShl(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	key, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	val, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	width, err := conn.ReadUint32()
	if err != nil {
		return false, err
	}
	if err := ctx.DB.PutShl(key, val, int(width), ctx.Sid); err != nil {
		return replyFail(conn, err)
	}
	return replyOK(conn)
}

// handlePutNr is the fire-and-forget variant of put: no status byte is
// ever written, matching spec.md §4.H's note that putnr skips the reply
// entirely regardless of outcome.
func handlePutNr(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	key, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	val, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	err = ctx.DB.Put(key, val, ctx.Sid)
	return true, err
}

func handleOut(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	key, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	if err := ctx.DB.Out(key, ctx.Sid); err != nil {
		return replyFail(conn, err)
	}
	return replyOK(conn)
}

func handleGet(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	key, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	val, found, err := ctx.DB.Backend().Get(key)
	if err != nil {
		return replyFail(conn, err)
	}
	if !found {
		return replyFail(conn, errcode.New("get", errcode.NoRecord))
	}
	return replyOK(conn, writeArg(nil, val))
}

func handleMGet(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	count, err := conn.ReadUint32()
	if err != nil {
		return false, err
	}
	if count > maxArgCount {
		return false, fmt.Errorf("binary: mget count %d exceeds cap", count)
	}
	keys := make([][]byte, count)
	for i := range keys {
		k, ok, err := readArg(conn)
		if !ok {
			return false, err
		}
		keys[i] = k
	}

	var body []byte
	found := uint32(0)
	for _, k := range keys {
		val, ok, err := ctx.DB.Backend().Get(k)
		if err != nil || !ok {
			continue
		}
		body = writeArg(body, k)
		body = writeArg(body, val)
		found++
	}
	head := wire.PutUint32(nil, found)
	return replyOK(conn, head, body)
}

func handleVSiz(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	key, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	size, err := ctx.DB.Backend().VSiz(key)
	if err != nil {
		return replyFail(conn, err)
	}
	if size == db.NoSuchSize {
		return replyFail(conn, errcode.New("vsiz", errcode.NoRecord))
	}
	return replyOK(conn, wire.PutUint32(nil, uint32(size)))
}

func handleIterInit(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	if err := ctx.DB.Backend().IterInit(); err != nil {
		return replyFail(conn, err)
	}
	return replyOK(conn)
}

func handleIterNext(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	key, ok, err := ctx.DB.Backend().IterNext()
	if err != nil {
		return replyFail(conn, err)
	}
	if !ok {
		return replyFail(conn, errcode.New("iternext", errcode.NoRecord))
	}
	return replyOK(conn, writeArg(nil, key))
}

func handleFwmKeys(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	prefix, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	maxU, err := conn.ReadUint32()
	if err != nil {
		return false, err
	}
	max := int(maxU)
	if maxU == 0xffffffff {
		max = -1
	}
	keys, err := ctx.DB.Backend().FwmKeys(prefix, max)
	if err != nil {
		return replyFail(conn, err)
	}
	var body []byte
	for _, k := range keys {
		body = writeArg(body, k)
	}
	return replyOK(conn, wire.PutUint32(nil, uint32(len(keys))), body)
}

func handleAddInt(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	key, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	deltaU, err := conn.ReadUint32()
	if err != nil {
		return false, err
	}
	delta := int32(deltaU)
	result, err := ctx.DB.AddInt(key, delta, ctx.Sid)
	if err != nil {
		return replyFail(conn, err)
	}
	return replyOK(conn, wire.PutUint32(nil, uint32(result)))
}

func handleAddDouble(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	key, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	delta, err := unpackDoubleFrom(conn)
	if err != nil {
		return false, err
	}
	result, err := ctx.DB.AddDouble(key, delta, ctx.Sid)
	if err != nil {
		return replyFail(conn, err)
	}
	return replyOK(conn, packDouble(result))
}

// handleExt is the script extension hook (spec.md §4.H's `ext`). tyrantd
// carries no embedded script engine, so every call reports
// InvalidOperation after consuming its args, keeping the wire framing
// intact for a client that expects a reply either way.
func handleExt(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	if _, ok, err := readArg(conn); !ok {
		return false, err
	}
	if _, err := conn.ReadUint32(); err != nil {
		return false, err
	}
	if _, ok, err := readArg(conn); !ok {
		return false, err
	}
	return replyFail(conn, errcode.New("ext", errcode.InvalidOperation))
}

func handleSync(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	if err := ctx.DB.Sync(ctx.Sid); err != nil {
		return replyFail(conn, err)
	}
	return replyOK(conn)
}

func handleOptimize(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	params, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	if err := ctx.DB.Optimize(string(params), ctx.Sid); err != nil {
		return replyFail(conn, err)
	}
	return replyOK(conn)
}

func handleVanish(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	if err := ctx.DB.Vanish(ctx.Sid); err != nil {
		return replyFail(conn, err)
	}
	return replyOK(conn)
}

func handleCopy(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	path, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	if err := ctx.DB.Copy(string(path), ctx.Sid); err != nil {
		return replyFail(conn, err)
	}
	return replyOK(conn)
}

// handleRestore replays an update log directory against the local
// database, per spec.md §4.H. Unlike replication's live Tail, restore
// reads each segment straight through to EOF and stops: there is no
// further data coming, so the tailing Reader's wait-for-more-writes
// behavior would never return.
func handleRestore(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	path, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	fromTs, err := conn.ReadUint64()
	if err != nil {
		return false, err
	}
	if _, err := conn.ReadUint32(); err != nil { // opts, currently unused
		return false, err
	}
	if err := replayDir(ctx, string(path), fromTs); err != nil {
		return replyFail(conn, err)
	}
	return replyOK(conn)
}

func replayDir(ctx *protocol.Context, dir string, fromTs uint64) error {
	log, err := ulog.Open(dir, 0)
	if err != nil {
		return fmt.Errorf("restore: open %s: %w", dir, err)
	}
	defer log.Close()

	ids, err := log.Segments()
	if err != nil {
		return fmt.Errorf("restore: list segments: %w", err)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if err := replaySegment(ctx, fmt.Sprintf("%s/%08d%s", dir, id, ulog.Suffix), fromTs); err != nil {
			return err
		}
	}
	return nil
}

func replaySegment(ctx *protocol.Context, path string, fromTs uint64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("restore: open segment %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	hdr := make([]byte, ulog.HeaderSize)
	for {
		if _, err := io.ReadFull(r, hdr); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("restore: read header: %w", err)
		}
		magic := hdr[0]
		ts := binary.BigEndian.Uint64(hdr[1:9])
		originSid := binary.BigEndian.Uint16(hdr[9:11])
		masterSid := binary.BigEndian.Uint16(hdr[11:13])
		size := binary.BigEndian.Uint32(hdr[13:17])
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return fmt.Errorf("restore: read payload: %w", err)
		}
		if magic != ulog.Magic || ts < fromTs {
			continue
		}
		entry := ulog.Entry{Timestamp: ts, OriginSid: originSid, MasterSid: masterSid, Payload: payload}
		if err := ctx.DB.Redo(entry); err != nil {
			return fmt.Errorf("restore: redo at ts=%d: %w", ts, err)
		}
	}
}

// handleSetMst replaces the replication target and asks the server to
// reconnect on its next tick, per spec.md §4.H.
func handleSetMst(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	host, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	port, err := conn.ReadUint32()
	if err != nil {
		return false, err
	}
	if ctx.SetMaster == nil {
		return replyFail(conn, errcode.New("setmst", errcode.InvalidOperation))
	}
	if err := ctx.SetMaster(string(host), int(port)); err != nil {
		return replyFail(conn, err)
	}
	return replyOK(conn)
}

func handleRNum(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	n, err := ctx.DB.Backend().RNum()
	if err != nil {
		return replyFail(conn, err)
	}
	return replyOK(conn, wire.PutUint64(nil, n))
}

func handleSize(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	n, err := ctx.DB.Backend().Size()
	if err != nil {
		return replyFail(conn, err)
	}
	return replyOK(conn, wire.PutUint64(nil, n))
}

// handleStat produces the TSV status summary spec.md §4.H describes:
// identity/version fields, record count and size, per-command counters,
// and replication state.
func handleStat(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	var b strings.Builder
	rnum, _ := ctx.DB.Backend().RNum()
	size, _ := ctx.DB.Backend().Size()

	fmt.Fprintf(&b, "version\t%s\n", protocol.Version)
	fmt.Fprintf(&b, "pid\t%d\n", ctx.Pid)
	fmt.Fprintf(&b, "sid\t%d\n", ctx.Sid)
	fmt.Fprintf(&b, "type\t%s\n", ctx.DB.Backend().Mode())
	fmt.Fprintf(&b, "path\t%s\n", ctx.DB.Backend().Path())
	fmt.Fprintf(&b, "rnum\t%d\n", rnum)
	fmt.Fprintf(&b, "size\t%d\n", size)
	fmt.Fprintf(&b, "uptime\t%.6f\n", ctx.Uptime().Seconds())
	if ctx.MasterHost != "" {
		fmt.Fprintf(&b, "master_host\t%s\n", ctx.MasterHost)
		fmt.Fprintf(&b, "master_port\t%d\n", ctx.MasterPort)
	}

	hits, miss := ctx.CommandCounters()
	for i, name := 0, ""; i < metrics.NumCommands(); i++ {
		name = metrics.CommandName(i)
		fmt.Fprintf(&b, "cmd_%s_hit\t%d\n", name, hits[i])
		fmt.Fprintf(&b, "cmd_%s_miss\t%d\n", name, miss[i])
	}

	return replyOK(conn, writeArg(nil, []byte(b.String())))
}

// handleMisc dispatches to the Abstract DB's extension-operation hook,
// carrying the same name+opts+count-of-args framing the mutating
// commands use for their own args, per spec.md §4.H.
func handleMisc(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	name, ok, err := readArg(conn)
	if !ok {
		return false, err
	}
	if _, err := conn.ReadUint32(); err != nil { // opts, currently unused
		return false, err
	}
	count, err := conn.ReadUint32()
	if err != nil {
		return false, err
	}
	if count > maxArgCount {
		return false, fmt.Errorf("binary: misc arg count %d exceeds cap", count)
	}
	args := make([][]byte, count)
	for i := range args {
		a, ok, err := readArg(conn)
		if !ok {
			return false, err
		}
		args[i] = a
	}

	results, err := ctx.DB.Backend().Misc(string(name), args)
	if err != nil {
		return replyFail(conn, err)
	}
	var body []byte
	for _, r := range results {
		body = writeArg(body, r)
	}
	return replyOK(conn, wire.PutUint32(nil, uint32(len(results))), body)
}

// handleRepl is the master side of replication: after reading a
// replica's (timestamp, sid) handshake it writes back its own sid, then
// streams update log entries from that timestamp forward, skipping any
// entry whose origin or master sid would send it back to where it came
// from. Idle periods are filled with a NOP byte so the replica's read
// deadline never trips. Grounded on spec.md §4.E/§4.H and
// original_source/tculog.h's TCREPL.
func handleRepl(ctx *protocol.Context, conn *wire.Conn) (bool, error) {
	fromTs, err := conn.ReadUint64()
	if err != nil {
		return false, err
	}
	reqSid, err := conn.ReadUint16()
	if err != nil {
		return false, err
	}

	if reqSid == ctx.Sid {
		return false, fmt.Errorf("repl: refusing self-replication for sid %d", reqSid)
	}
	if err := conn.Send(wire.PutUint32(nil, uint32(ctx.Sid))); err != nil {
		return false, err
	}

	reader, err := ctx.Log.Tail(fromTs)
	if err != nil {
		return false, err
	}
	defer reader.Close()

	type readResult struct {
		entry ulog.Entry
		err   error
	}
	entries := make(chan readResult, 1)
	go func() {
		for {
			e, err := reader.Next()
			entries <- readResult{e, err}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case res := <-entries:
			if res.err != nil {
				return false, res.err
			}
			e := res.entry
			if e.OriginSid == reqSid || e.MasterSid == reqSid {
				continue
			}
			buf := []byte{ulog.Magic}
			buf = wire.PutUint64(buf, e.Timestamp)
			buf = wire.PutUint16(buf, e.OriginSid)
			buf = wire.PutUint16(buf, e.MasterSid)
			buf = wire.PutUint32(buf, uint32(len(e.Payload)))
			buf = append(buf, e.Payload...)
			if err := conn.Send(buf); err != nil {
				return false, err
			}
		case <-ticker.C:
			if err := conn.Send([]byte{ulog.NopMagic}); err != nil {
				return false, err
			}
		}
	}
}
