// Package binary implements the binary protocol command handlers of
// spec.md §4.H: one handler per command byte, a command-mask check, and
// the fixed length-prefixed-args-then-payload framing. Grounded on
// original_source/ttserver.c's command dispatch table and
// original_source/tculog.c's tculogadb* family for each op's DB call.
package binary

import (
	"fmt"

	"github.com/cuemby/tyrantd/pkg/db"
	"github.com/cuemby/tyrantd/pkg/errcode"
	"github.com/cuemby/tyrantd/pkg/metrics"
	"github.com/cuemby/tyrantd/pkg/protocol"
	"github.com/cuemby/tyrantd/pkg/wire"
)

// maxArgSize caps a single length-prefixed argument, per spec.md §4.H's
// per-arg size cap (256 MiB).
const maxArgSize = 256 << 20

// maxArgCount caps the number of args a count-prefixed command (mget,
// misc) may request in one call.
const maxArgCount = 1 << 20

// Handle drives one binary-protocol connection: it has already consumed
// the leading 0xC8 magic byte. Handle reads and dispatches commands until
// the client disconnects or a transport error occurs.
func Handle(ctx *protocol.Context, conn *wire.Conn, counters *metrics.CounterBlock) {
	first := true
	for {
		// The leading magic byte of the first request was already
		// consumed by the caller's protocol sniff; every request after
		// that must have its own magic byte read and checked here,
		// whether or not it arrived pipelined in the same segment.
		if !first {
			magic, err := conn.ReadByte()
			if err != nil {
				return
			}
			if magic != db.BinaryMagic {
				return
			}
		}
		first = false
		cmdByte, err := conn.ReadByte()
		if err != nil {
			return
		}
		cmd := db.Cmd(cmdByte)
		if !dispatchOne(ctx, conn, counters, cmd) {
			return
		}
	}
}

// dispatchOne runs one command to completion, returning false if the
// connection should be dropped (a transport error occurred; logical
// failures still return true after writing a status byte).
func dispatchOne(ctx *protocol.Context, conn *wire.Conn, counters *metrics.CounterBlock, cmd db.Cmd) bool {
	idx := metricsIndex(cmd)
	if !ctx.Mask.Allowed(cmd) {
		counters.Miss(idx)
		return replyStatus(conn, errcode.InvalidOperation)
	}

	handler, ok := handlers[cmd]
	if !ok {
		counters.Miss(idx)
		return replyStatus(conn, errcode.InvalidOperation)
	}

	ok2, err := handler(ctx, conn)
	if !ok2 {
		return false // transport error; connection is already unusable
	}
	if err != nil {
		counters.Miss(idx)
	} else {
		counters.Hit(idx)
	}
	return true
}

// handlerFunc runs one command's body (already past the command byte),
// reading its own args and writing its own reply. It returns ok=false on
// a transport error (caller should drop the connection) and the logical
// error otherwise (nil on success).
type handlerFunc func(ctx *protocol.Context, conn *wire.Conn) (ok bool, err error)

var handlers = map[db.Cmd]handlerFunc{
	db.CmdPut:      handlePut,
	db.CmdPutKeep:  handlePutKeep,
	db.CmdPutCat:   handlePutCat,
	db.CmdPutShl:   handlePutShl,
	db.CmdPutNr:    handlePutNr,
	db.CmdOut:      handleOut,
	db.CmdGet:      handleGet,
	db.CmdMGet:     handleMGet,
	db.CmdVSiz:     handleVSiz,
	db.CmdIterInit: handleIterInit,
	db.CmdIterNext: handleIterNext,
	db.CmdFwmKeys:  handleFwmKeys,
	db.CmdAddInt:   handleAddInt,
	db.CmdAddDouble: handleAddDouble,
	db.CmdExt:      handleExt,
	db.CmdSync:     handleSync,
	db.CmdOptimize: handleOptimize,
	db.CmdVanish:   handleVanish,
	db.CmdCopy:     handleCopy,
	db.CmdRestore:  handleRestore,
	db.CmdSetMst:   handleSetMst,
	db.CmdRNum:     handleRNum,
	db.CmdSize:     handleSize,
	db.CmdStat:     handleStat,
	db.CmdMisc:     handleMisc,
	db.CmdRepl:     handleRepl,
}

func replyStatus(conn *wire.Conn, code errcode.Code) bool {
	return conn.Send([]byte{code.BinaryStatus()}) == nil
}

func readArg(conn *wire.Conn) ([]byte, bool, error) {
	n, err := conn.ReadUint32()
	if err != nil {
		return nil, false, err
	}
	if n > maxArgSize {
		return nil, false, fmt.Errorf("binary: arg size %d exceeds cap", n)
	}
	buf, err := conn.ReadFull(int(n))
	if err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

func writeArg(buf []byte, arg []byte) []byte {
	return append(wire.PutUint32(buf, uint32(len(arg))), arg...)
}

func packDouble(v float64) []byte {
	ip, fp := wire.PackDouble(v)
	buf := make([]byte, 0, 16)
	buf = wire.PutUint64(buf, uint64(ip))
	buf = wire.PutUint64(buf, uint64(fp))
	return buf
}

func unpackDoubleFrom(conn *wire.Conn) (float64, error) {
	ipU, err := conn.ReadUint64()
	if err != nil {
		return 0, err
	}
	fpU, err := conn.ReadUint64()
	if err != nil {
		return 0, err
	}
	return wire.UnpackDouble(int64(ipU), int64(fpU)), nil
}

// metricsIndex maps a binary command byte to metrics.CounterBlock's fixed
// command index, since the two enums are defined in different packages
// for layering reasons (metrics must not import db to avoid a cycle with
// db's own use of metrics-free errcode).
func metricsIndex(cmd db.Cmd) int {
	switch cmd {
	case db.CmdPut:
		return metrics.CmdPut
	case db.CmdPutKeep:
		return metrics.CmdPutKeep
	case db.CmdPutCat:
		return metrics.CmdPutCat
	case db.CmdPutShl:
		return metrics.CmdPutShl
	case db.CmdPutNr:
		return metrics.CmdPutNR
	case db.CmdOut:
		return metrics.CmdOut
	case db.CmdGet:
		return metrics.CmdGet
	case db.CmdMGet:
		return metrics.CmdMGet
	case db.CmdVSiz:
		return metrics.CmdVSiz
	case db.CmdIterInit:
		return metrics.CmdIterInit
	case db.CmdIterNext:
		return metrics.CmdIterNext
	case db.CmdFwmKeys:
		return metrics.CmdFwmKeys
	case db.CmdAddInt:
		return metrics.CmdAddInt
	case db.CmdAddDouble:
		return metrics.CmdAddDouble
	case db.CmdExt:
		return metrics.CmdExt
	case db.CmdSync:
		return metrics.CmdSync
	case db.CmdOptimize:
		return metrics.CmdOptimize
	case db.CmdVanish:
		return metrics.CmdVanish
	case db.CmdCopy:
		return metrics.CmdCopy
	case db.CmdRestore:
		return metrics.CmdRestore
	case db.CmdSetMst:
		return metrics.CmdSetMst
	case db.CmdRNum:
		return metrics.CmdRNum
	case db.CmdSize:
		return metrics.CmdSize
	case db.CmdStat:
		return metrics.CmdStat
	case db.CmdMisc:
		return metrics.CmdMisc
	case db.CmdRepl:
		return metrics.CmdRepl
	default:
		return metrics.CmdMisc
	}
}
