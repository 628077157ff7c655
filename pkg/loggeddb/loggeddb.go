package loggeddb

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cuemby/tyrantd/pkg/db"
	"github.com/cuemby/tyrantd/pkg/errcode"
	"github.com/cuemby/tyrantd/pkg/recordlock"
	"github.com/cuemby/tyrantd/pkg/ulog"
)

// Appender is the durability seam a DB appends mutation entries through.
// *ulog.Log satisfies it directly for the synchronous path; *ulog.AsyncWriter
// satisfies it for the queued single-writer path (-uas), so DB never needs
// to know which one it was built with.
type Appender interface {
	Append(ts uint64, originSid, masterSid uint16, payload []byte) error
}

// DB composes an Abstract DB backend with an update log and a per-record
// lock array, implementing spec.md §4.D's apply-then-log pattern: every
// mutating call locks the record's slot, applies the change, appends the
// entry, and only then releases the slot. If the log append fails the
// call is reported as failed even when the backend apply succeeded,
// since a client told "success" must be able to trust the log has it.
type DB struct {
	backend db.DB
	log     Appender
	locks   *recordlock.Array
	selfSid uint16
}

// New wraps backend with log, guarding critical sections with locks.
// selfSid is this server's own replication ID, stamped as the origin sid
// of every entry this instance appends directly (as opposed to entries
// replayed via Redo, which keep their original origin sid). log is
// typically a *ulog.Log, or a *ulog.AsyncWriter over one when -uas routes
// concurrent appends through a single queued writer.
func New(backend db.DB, log Appender, locks *recordlock.Array, selfSid uint16) *DB {
	return &DB{backend: backend, log: log, locks: locks, selfSid: selfSid}
}

// Backend exposes the wrapped Abstract DB, for read-only operations that
// don't need logging (Get/VSiz/IterInit/IterNext/FwmKeys/RNum/Size/Path/
// Mode).
func (d *DB) Backend() db.DB { return d.backend }

func (d *DB) appendLocked(cmd db.Cmd, masterSid uint16, applyErr error, args ...[]byte) error {
	success := applyErr == nil
	payload := encodePayload(cmd, success, args...)
	if err := d.log.Append(0, d.selfSid, masterSid, payload); err != nil {
		return fmt.Errorf("loggeddb: log append failed, reporting failure despite apply result: %w", err)
	}
	return applyErr
}

// Put stores val under key.
func (d *DB) Put(key, val []byte, masterSid uint16) error {
	unlock := d.locks.Lock(key)
	defer unlock()
	err := d.backend.Put(key, val)
	return d.appendLocked(db.CmdPut, masterSid, err, key, val)
}

// PutKeep stores val under key only if key is absent.
func (d *DB) PutKeep(key, val []byte, masterSid uint16) error {
	unlock := d.locks.Lock(key)
	defer unlock()
	err := d.backend.PutKeep(key, val)
	return d.appendLocked(db.CmdPutKeep, masterSid, err, key, val)
}

// PutCat appends val to key's existing value.
func (d *DB) PutCat(key, val []byte, masterSid uint16) error {
	unlock := d.locks.Lock(key)
	defer unlock()
	err := d.backend.PutCat(key, val)
	return d.appendLocked(db.CmdPutCat, masterSid, err, key, val)
}

// PutShl concatenates val onto key's existing value then truncates from
// the left to width bytes, all under one slot lock via PutProc, per
// spec.md §4.D's shift-left note.
func (d *DB) PutShl(key, val []byte, width int, masterSid uint16) error {
	unlock := d.locks.Lock(key)
	defer unlock()
	err := d.backend.PutProc(key, func(old []byte, ok bool) ([]byte, bool) {
		merged := append(append([]byte(nil), old...), val...)
		if len(merged) > width {
			merged = merged[len(merged)-width:]
		}
		return merged, true
	})
	var widthBuf [4]byte
	binary.BigEndian.PutUint32(widthBuf[:], uint32(width))
	return d.appendLocked(db.CmdPutShl, masterSid, err, key, val, widthBuf[:])
}

// Replace stores val under key only if key already exists, implementing
// the memcached `replace` command's check-then-put composite under a
// single slot lock via PutProc (spec.md §4.G's memcached mapping).
func (d *DB) Replace(key, val []byte, masterSid uint16) error {
	unlock := d.locks.Lock(key)
	defer unlock()
	var found bool
	err := d.backend.PutProc(key, func(old []byte, ok bool) ([]byte, bool) {
		found = ok
		if !ok {
			return nil, false
		}
		return val, true
	})
	if err == nil && !found {
		err = errcode.New("replace", errcode.NoRecord)
	}
	return d.appendLocked(db.CmdReplace, masterSid, err, key, val)
}

// Prepend writes val before key's existing value (or stores it as-is if
// key is absent), implementing the memcached `prepend` command's manual
// prepend-under-lock composite (spec.md §4.G).
func (d *DB) Prepend(key, val []byte, masterSid uint16) error {
	unlock := d.locks.Lock(key)
	defer unlock()
	err := d.backend.PutProc(key, func(old []byte, ok bool) ([]byte, bool) {
		return append(append([]byte(nil), val...), old...), true
	})
	return d.appendLocked(db.CmdPrepend, masterSid, err, key, val)
}

// Out removes key.
func (d *DB) Out(key []byte, masterSid uint16) error {
	unlock := d.locks.Lock(key)
	defer unlock()
	err := d.backend.Out(key)
	return d.appendLocked(db.CmdOut, masterSid, err, key)
}

// AddInt adds delta to the int32 under key and returns the new value.
func (d *DB) AddInt(key []byte, delta int32, masterSid uint16) (int32, error) {
	unlock := d.locks.Lock(key)
	defer unlock()
	result, err := d.backend.AddInt(key, delta)
	if err == nil && result == db.NoInt {
		err = errcode.New("addint", errcode.Miscellaneous)
	}
	var deltaBuf [4]byte
	binary.BigEndian.PutUint32(deltaBuf[:], uint32(delta))
	return result, d.appendLocked(db.CmdAddInt, masterSid, err, key, deltaBuf[:])
}

// AddDouble adds delta to the float64 under key and returns the new
// value.
func (d *DB) AddDouble(key []byte, delta float64, masterSid uint16) (float64, error) {
	unlock := d.locks.Lock(key)
	defer unlock()
	result, err := d.backend.AddDouble(key, delta)
	if err == nil && math.IsNaN(result) {
		err = errcode.New("adddouble", errcode.Miscellaneous)
	}
	var deltaBuf [8]byte
	binary.BigEndian.PutUint64(deltaBuf[:], math.Float64bits(delta))
	return result, d.appendLocked(db.CmdAddDouble, masterSid, err, key, deltaBuf[:])
}

// Sync, Optimize, Vanish and Copy are global operations: they acquire
// every slot in index order (the cross-key barrier spec.md §4.D
// describes) before applying and logging.
func (d *DB) Sync(masterSid uint16) error {
	unlock := d.locks.LockAll()
	defer unlock()
	err := d.backend.Sync()
	return d.appendLocked(db.CmdSync, masterSid, err)
}

func (d *DB) Optimize(params string, masterSid uint16) error {
	unlock := d.locks.LockAll()
	defer unlock()
	err := d.backend.Optimize(params)
	return d.appendLocked(db.CmdOptimize, masterSid, err, []byte(params))
}

func (d *DB) Vanish(masterSid uint16) error {
	unlock := d.locks.LockAll()
	defer unlock()
	err := d.backend.Vanish()
	return d.appendLocked(db.CmdVanish, masterSid, err)
}

func (d *DB) Copy(path string, masterSid uint16) error {
	unlock := d.locks.LockAll()
	defer unlock()
	err := d.backend.Copy(path)
	return d.appendLocked(db.CmdCopy, masterSid, err, []byte(path))
}

// Redo replays one update log payload against the backend, used both by
// restore-from-log and by a replica applying a master's stream. It
// compares the apply outcome against the entry's recorded success byte
// and reports a mismatch as an error; strict callers (restore with
// consistency checking) should treat that as fatal, replication callers
// may choose to log and continue.
func (d *DB) Redo(entry ulog.Entry) error {
	parsed, err := decodePayload(entry.Payload)
	if err != nil {
		return err
	}
	var applyErr error
	switch parsed.cmd {
	case db.CmdPut:
		applyErr = d.backend.Put(arg(parsed.args, 0), arg(parsed.args, 1))
	case db.CmdPutKeep:
		applyErr = d.backend.PutKeep(arg(parsed.args, 0), arg(parsed.args, 1))
		if parsed.success && applyErr != nil && errcode.CodeOf(applyErr) == errcode.KeepExisting {
			applyErr = nil // replaying a replica's own already-applied keep is not a mismatch
		}
	case db.CmdPutCat:
		applyErr = d.backend.PutCat(arg(parsed.args, 0), arg(parsed.args, 1))
	case db.CmdPutShl:
		width := int(binary.BigEndian.Uint32(arg(parsed.args, 2)))
		applyErr = d.backend.PutProc(arg(parsed.args, 0), func(old []byte, ok bool) ([]byte, bool) {
			merged := append(append([]byte(nil), old...), arg(parsed.args, 1)...)
			if len(merged) > width {
				merged = merged[len(merged)-width:]
			}
			return merged, true
		})
	case db.CmdReplace:
		var found bool
		applyErr = d.backend.PutProc(arg(parsed.args, 0), func(old []byte, ok bool) ([]byte, bool) {
			found = ok
			if !ok {
				return nil, false
			}
			return arg(parsed.args, 1), true
		})
		if applyErr == nil && !found {
			applyErr = errcode.New("replace", errcode.NoRecord)
		}
	case db.CmdPrepend:
		applyErr = d.backend.PutProc(arg(parsed.args, 0), func(old []byte, ok bool) ([]byte, bool) {
			return append(append([]byte(nil), arg(parsed.args, 1)...), old...), true
		})
	case db.CmdOut:
		applyErr = d.backend.Out(arg(parsed.args, 0))
	case db.CmdAddInt:
		delta := int32(binary.BigEndian.Uint32(arg(parsed.args, 1)))
		var result int32
		result, applyErr = d.backend.AddInt(arg(parsed.args, 0), delta)
		if applyErr == nil && result == db.NoInt {
			applyErr = errcode.New("addint", errcode.Miscellaneous)
		}
	case db.CmdAddDouble:
		delta := math.Float64frombits(binary.BigEndian.Uint64(arg(parsed.args, 1)))
		var result float64
		result, applyErr = d.backend.AddDouble(arg(parsed.args, 0), delta)
		if applyErr == nil && math.IsNaN(result) {
			applyErr = errcode.New("adddouble", errcode.Miscellaneous)
		}
	case db.CmdSync:
		applyErr = d.backend.Sync()
	case db.CmdOptimize:
		applyErr = d.backend.Optimize(string(arg(parsed.args, 0)))
	case db.CmdVanish:
		applyErr = d.backend.Vanish()
	case db.CmdCopy:
		applyErr = d.backend.Copy(string(arg(parsed.args, 0)))
	default:
		return fmt.Errorf("loggeddb: redo: unsupported command %#x", byte(parsed.cmd))
	}
	gotSuccess := applyErr == nil
	if gotSuccess != parsed.success {
		return fmt.Errorf("loggeddb: redo: consistency mismatch on %#x: log says success=%v, replay got success=%v",
			byte(parsed.cmd), parsed.success, gotSuccess)
	}
	return nil
}

func arg(args [][]byte, i int) []byte {
	if i >= len(args) {
		return nil
	}
	return args[i]
}
