// Package memcached implements the memcached-compatible text protocol of
// spec.md §4.G/§4.I: the same line-oriented `set/add/replace/append/
// prepend/get/gets/delete/incr/decr/stats/flush_all/version/quit`
// surface memcached clients expect, mapped onto the core Logged-DB
// operations spec.md's mapping table names. Grounded on
// original_source/ttserver.c's memcached compatibility handlers and
// spec.md §6's reply-line grammar (STORED/NOT_STORED/DELETED/NOT_FOUND/
// VALUE.../END/STAT.../CLIENT_ERROR/SERVER_ERROR).
package memcached

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/tyrantd/pkg/errcode"
	"github.com/cuemby/tyrantd/pkg/metrics"
	"github.com/cuemby/tyrantd/pkg/protocol"
	"github.com/cuemby/tyrantd/pkg/wire"
)

const crlf = "\r\n"

// Handle drives one memcached-protocol connection starting from its
// already-read first line (the dispatcher's first-byte sniff had to read
// an entire line to recognize this wasn't the binary protocol). It reads
// and serves further lines until the client sends `quit`, disconnects, or
// a transport error occurs.
func Handle(ctx *protocol.Context, conn *wire.Conn, counters *metrics.CounterBlock, firstLine string) {
	line := firstLine
	for {
		if !dispatchLine(ctx, conn, counters, line) {
			return
		}
		next, err := conn.ReadLine()
		if err != nil {
			return
		}
		line = next
	}
}

// dispatchLine runs one command line to completion, returning false if
// the connection should be closed (quit, or a transport error).
func dispatchLine(ctx *protocol.Context, conn *wire.Conn, counters *metrics.CounterBlock, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	switch fields[0] {
	case "set", "add", "replace", "append", "prepend":
		return handleStorage(ctx, conn, counters, fields)
	case "get", "gets":
		return handleGet(ctx, conn, counters, fields[1:])
	case "delete":
		return handleDelete(ctx, conn, counters, fields[1:])
	case "incr", "decr":
		return handleIncrDecr(ctx, conn, counters, fields)
	case "flush_all":
		return handleFlushAll(ctx, conn, counters, fields[1:])
	case "version":
		return send(conn, "VERSION "+protocol.Version+crlf)
	case "stats":
		return handleStats(ctx, conn)
	case "quit":
		return false
	default:
		return send(conn, "ERROR"+crlf)
	}
}

func send(conn *wire.Conn, s string) bool {
	return conn.Send([]byte(s)) == nil
}

func noreply(fields []string) bool {
	return len(fields) > 0 && fields[len(fields)-1] == "noreply"
}

// handleStorage implements set/add/replace/append/prepend: `<cmd> <key>
// <flags> <exptime> <bytes> [noreply]\r\n<data>\r\n`. flags/exptime are
// accepted but unused: tyrantd's Abstract DB has no per-record TTL or
// flag storage (a documented simplification, since the core spec's
// Record type is a bare byte string).
func handleStorage(ctx *protocol.Context, conn *wire.Conn, counters *metrics.CounterBlock, fields []string) bool {
	cmd := fields[0]
	if len(fields) < 5 {
		return send(conn, "CLIENT_ERROR bad command line format"+crlf)
	}
	key := []byte(fields[1])
	n, err := strconv.Atoi(fields[4])
	if err != nil || n < 0 {
		return send(conn, "CLIENT_ERROR bad command line format"+crlf)
	}
	data, err := conn.ReadFull(n)
	if err != nil {
		return false
	}
	if _, err := conn.ReadFull(2); err != nil { // trailing \r\n after the data block
		return false
	}
	quiet := noreply(fields)

	var applyErr error
	idx := metrics.CmdPut
	switch cmd {
	case "set":
		applyErr = ctx.DB.Put(key, data, ctx.Sid)
	case "add":
		idx = metrics.CmdPutKeep
		applyErr = ctx.DB.PutKeep(key, data, ctx.Sid)
	case "replace":
		idx = metrics.CmdReplace
		applyErr = ctx.DB.Replace(key, data, ctx.Sid)
	case "append":
		idx = metrics.CmdPutCat
		applyErr = ctx.DB.PutCat(key, data, ctx.Sid)
	case "prepend":
		idx = metrics.CmdPrepend
		applyErr = ctx.DB.Prepend(key, data, ctx.Sid)
	}
	if applyErr != nil {
		counters.Miss(idx)
	} else {
		counters.Hit(idx)
	}
	if quiet {
		return true
	}
	if applyErr != nil {
		if errcode.CodeOf(applyErr) == errcode.NoRecord || errcode.CodeOf(applyErr) == errcode.KeepExisting {
			return send(conn, "NOT_STORED"+crlf)
		}
		return send(conn, "SERVER_ERROR "+applyErr.Error()+crlf)
	}
	return send(conn, "STORED"+crlf)
}

// handleGet implements get/gets: `get <key>*`. Reads never touch the
// update log, so this goes straight to the Abstract DB backend, same as
// the binary protocol's own handleGet/handleMGet.
func handleGet(ctx *protocol.Context, conn *wire.Conn, counters *metrics.CounterBlock, keys []string) bool {
	var b strings.Builder
	backend := ctx.DB.Backend()
	for _, k := range keys {
		val, ok, _ := backend.Get([]byte(k))
		if !ok {
			counters.Miss(metrics.CmdGet)
			continue
		}
		counters.Hit(metrics.CmdGet)
		fmt.Fprintf(&b, "VALUE %s 0 %d\r\n", k, len(val))
		b.Write(val)
		b.WriteString(crlf)
	}
	b.WriteString("END" + crlf)
	return send(conn, b.String())
}

func handleDelete(ctx *protocol.Context, conn *wire.Conn, counters *metrics.CounterBlock, args []string) bool {
	if len(args) == 0 {
		return send(conn, "CLIENT_ERROR bad command line format"+crlf)
	}
	key := []byte(args[0])
	quiet := noreply(args)
	err := ctx.DB.Out(key, ctx.Sid)
	if err != nil {
		counters.Miss(metrics.CmdOut)
	} else {
		counters.Hit(metrics.CmdOut)
	}
	if quiet {
		return true
	}
	if err != nil {
		if errcode.CodeOf(err) == errcode.NoRecord {
			return send(conn, "NOT_FOUND"+crlf)
		}
		return send(conn, "SERVER_ERROR "+err.Error()+crlf)
	}
	return send(conn, "DELETED"+crlf)
}

// handleIncrDecr implements incr/decr: `<cmd> <key> <delta> [noreply]`.
// Both map directly onto AddInt per spec.md §4.G (incr -> AddInt,
// decr -> AddInt(-delta)), which creates the record at 0+delta if key
// was absent rather than the classic memcached NOT_FOUND-on-missing-key
// behavior; tyrantd follows the spec's literal mapping.
func handleIncrDecr(ctx *protocol.Context, conn *wire.Conn, counters *metrics.CounterBlock, fields []string) bool {
	if len(fields) < 3 {
		return send(conn, "CLIENT_ERROR bad command line format"+crlf)
	}
	delta64, err := strconv.ParseInt(fields[2], 10, 32)
	if err != nil {
		return send(conn, "CLIENT_ERROR invalid numeric delta argument"+crlf)
	}
	delta := int32(delta64)
	if fields[0] == "decr" {
		delta = -delta
	}
	quiet := noreply(fields)
	result, err := ctx.DB.AddInt([]byte(fields[1]), delta, ctx.Sid)
	if err != nil {
		counters.Miss(metrics.CmdAddInt)
	} else {
		counters.Hit(metrics.CmdAddInt)
	}
	if quiet {
		return true
	}
	if err != nil {
		return send(conn, "SERVER_ERROR "+err.Error()+crlf)
	}
	return send(conn, strconv.FormatInt(int64(result), 10)+crlf)
}

func handleFlushAll(ctx *protocol.Context, conn *wire.Conn, counters *metrics.CounterBlock, args []string) bool {
	quiet := noreply(args)
	err := ctx.DB.Vanish(ctx.Sid)
	if err != nil {
		counters.Miss(metrics.CmdVanish)
	} else {
		counters.Hit(metrics.CmdVanish)
	}
	if quiet {
		return true
	}
	if err != nil {
		return send(conn, "SERVER_ERROR "+err.Error()+crlf)
	}
	return send(conn, "OK"+crlf)
}

func handleStats(ctx *protocol.Context, conn *wire.Conn) bool {
	var b strings.Builder
	rnum, _ := ctx.DB.Backend().RNum()
	size, _ := ctx.DB.Backend().Size()
	fmt.Fprintf(&b, "STAT pid %d\r\n", ctx.Pid)
	fmt.Fprintf(&b, "STAT uptime %d\r\n", int64(ctx.Uptime().Seconds()))
	fmt.Fprintf(&b, "STAT version %s\r\n", protocol.Version)
	fmt.Fprintf(&b, "STAT curr_items %d\r\n", rnum)
	fmt.Fprintf(&b, "STAT bytes %d\r\n", size)
	hits, miss := ctx.CommandCounters()
	for i := 0; i < metrics.NumCommands(); i++ {
		fmt.Fprintf(&b, "STAT cmd_%s_hit %d\r\n", metrics.CommandName(i), hits[i])
		fmt.Fprintf(&b, "STAT cmd_%s_miss %d\r\n", metrics.CommandName(i), miss[i])
	}
	b.WriteString("END" + crlf)
	return send(conn, b.String())
}
