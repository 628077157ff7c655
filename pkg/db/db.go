// Package db defines the Abstract DB contract every wire protocol handler
// talks to. Three backends satisfy it: bboltdb (the default on-disk file),
// buntdb (an in-memory/ordered store selected by a "*" dbspec) and redisdb
// (a remote store selected by a "redis://" dbspec). The core dispatcher and
// protocol handlers never type-switch on which backend is in play, mirroring
// how original_source/tcadb.c hides bdb/hdb/tdb/remote behind one ADB
// handle.
package db

import "math"

// NoSuchSize is VSiz's sentinel for an absent key.
const NoSuchSize = -1

// NoInt is AddInt's sentinel for an overflow or a non-numeric existing
// value.
const NoInt = math.MinInt32

// Mode reports which concrete backend is in play, for stats/misc replies.
type Mode int

const (
	ModeBolt Mode = iota
	ModeBunt
	ModeRedis
)

func (m Mode) String() string {
	switch m {
	case ModeBolt:
		return "bolt"
	case ModeBunt:
		return "bunt"
	case ModeRedis:
		return "redis"
	default:
		return "unknown"
	}
}

// MergeFunc computes a new value from an optional existing one, used by
// PutProc to implement composite read-modify-write commands (putcat,
// putshl, memcached replace/append/prepend) under a single lock
// acquisition at the caller's discretion.
type MergeFunc func(oldVal []byte, oldOK bool) (newVal []byte, keep bool)

// DB is the storage contract every protocol handler is written against.
type DB interface {
	// Put unconditionally stores val under key.
	Put(key, val []byte) error
	// PutKeep stores val under key only if key is absent. Returns
	// errcode.KeepExisting if key already exists.
	PutKeep(key, val []byte) error
	// PutCat appends val to the existing value under key (or stores it
	// as-is if key is absent).
	PutCat(key, val []byte) error
	// PutProc runs fn against the current value (if any) under key and
	// stores its result, or leaves the record untouched if fn reports
	// !keep. It is the composition primitive putcat/putshl/memcached's
	// append/prepend/replace are all built from.
	PutProc(key []byte, fn MergeFunc) error
	// Out removes key. Returns errcode.NoRecord if absent.
	Out(key []byte) error
	// Get retrieves the value stored under key.
	Get(key []byte) ([]byte, bool, error)
	// VSiz reports the byte length of the value under key, or
	// NoSuchSize if absent.
	VSiz(key []byte) (int, error)
	// IterInit resets the backend's iteration cursor to the first key
	// in storage order.
	IterInit() error
	// IterNext advances the cursor and returns the next key, or ok=false
	// at end of iteration.
	IterNext() (key []byte, ok bool, err error)
	// FwmKeys returns up to max keys (all, if max < 0) sharing prefix.
	FwmKeys(prefix []byte, max int) ([][]byte, error)
	// AddInt adds delta to the int32 stored under key (0 if absent) and
	// returns the new value, or NoInt if the existing value isn't a
	// 4-byte int32 or the add overflows.
	AddInt(key []byte, delta int32) (int32, error)
	// AddDouble adds delta to the float64 stored under key (0 if
	// absent) and returns the new value, or NaN if the existing value
	// isn't a 16-byte encoded double.
	AddDouble(key []byte, delta float64) (float64, error)
	// Sync flushes any buffered writes to stable storage.
	Sync() error
	// Optimize compacts the backend's on-disk representation. params is
	// a backend-specific tuning string (bucket count, alignment, etc.),
	// empty to use defaults.
	Optimize(params string) error
	// Vanish removes every record.
	Vanish() error
	// Copy snapshots the database to path.
	Copy(path string) error
	// RNum reports the number of records.
	RNum() (uint64, error)
	// Size reports the database's footprint in bytes.
	Size() (uint64, error)
	// Path reports the dbspec this instance was opened from.
	Path() string
	// Mode reports which concrete backend this is.
	Mode() Mode
	// Misc implements the extension hook: list/table-ish operations
	// named by name, given raw byte-string args. Returns nil if name is
	// unrecognized.
	Misc(name string, args [][]byte) ([][]byte, error)
	// Close releases any resources held by the backend.
	Close() error
}
