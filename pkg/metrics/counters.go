package metrics

import "sync/atomic"

// Command names tracked by a per-worker CounterBlock. Order is fixed so a
// Command value can be used directly as a slice index.
const (
	CmdPut = iota
	CmdPutKeep
	CmdPutCat
	CmdPutShl
	CmdPutNR
	CmdOut
	CmdGet
	CmdMGet
	CmdVSiz
	CmdIterInit
	CmdIterNext
	CmdFwmKeys
	CmdAddInt
	CmdAddDouble
	CmdExt
	CmdSync
	CmdOptimize
	CmdVanish
	CmdCopy
	CmdRestore
	CmdSetMst
	CmdRNum
	CmdSize
	CmdStat
	CmdMisc
	CmdRepl
	// CmdReplace and CmdPrepend have no binary protocol opcode of their
	// own (spec.md §4.G's memcached mapping implements them as composite
	// operations over the Abstract DB); they still get their own stat
	// columns since memcached `replace`/`prepend` are distinct client
	// operations from `put`/`putcat`.
	CmdReplace
	CmdPrepend
	numCommands
)

var commandNames = [numCommands]string{
	CmdPut: "put", CmdPutKeep: "putkeep", CmdPutCat: "putcat", CmdPutShl: "putshl",
	CmdPutNR: "putnr", CmdOut: "out", CmdGet: "get", CmdMGet: "mget", CmdVSiz: "vsiz",
	CmdIterInit: "iterinit", CmdIterNext: "iternext", CmdFwmKeys: "fwmkeys",
	CmdAddInt: "addint", CmdAddDouble: "adddouble", CmdExt: "ext", CmdSync: "sync",
	CmdOptimize: "optimize", CmdVanish: "vanish", CmdCopy: "copy", CmdRestore: "restore",
	CmdSetMst: "setmst", CmdRNum: "rnum", CmdSize: "size", CmdStat: "stat",
	CmdMisc: "misc", CmdRepl: "repl", CmdReplace: "replace", CmdPrepend: "prepend",
}

// CommandName returns the TSV column name for a command index.
func CommandName(cmd int) string {
	if cmd < 0 || cmd >= numCommands {
		return "unknown"
	}
	return commandNames[cmd]
}

// cache line padding, same technique as a striped accumulator: a counter
// that many goroutines increment concurrently is padded to its own line so
// workers don't false-share a cache line while bumping unrelated commands.
const padSize = 64 - 8

type paddedCounter struct {
	v atomic.Int64
	_ [padSize]byte
}

// CounterBlock is the fixed vector of 64-bit counters owned by a single
// worker goroutine (spec's "Per-record mutex array" sibling: "Worker
// statistics"). A worker never shares its block; the stat command sums
// across all workers' blocks without locking, accepting benign races.
type CounterBlock struct {
	hits  [numCommands]paddedCounter
	miss  [numCommands]paddedCounter
}

// NewCounterBlock allocates a zeroed counter block for one worker.
func NewCounterBlock() *CounterBlock {
	return &CounterBlock{}
}

// Hit increments the success counter for cmd.
func (c *CounterBlock) Hit(cmd int) {
	if cmd < 0 || cmd >= numCommands {
		return
	}
	c.hits[cmd].v.Add(1)
	CommandsTotal.WithLabelValues(CommandName(cmd), "hit").Inc()
}

// Miss increments the failure counter for cmd (put-miss, out-miss, get-miss
// in spec terms, generalized to every command).
func (c *CounterBlock) Miss(cmd int) {
	if cmd < 0 || cmd >= numCommands {
		return
	}
	c.miss[cmd].v.Add(1)
	CommandsTotal.WithLabelValues(CommandName(cmd), "miss").Inc()
}

// Snapshot totals hits and misses for cmd.
func (c *CounterBlock) Snapshot(cmd int) (hits, miss int64) {
	if cmd < 0 || cmd >= numCommands {
		return 0, 0
	}
	return c.hits[cmd].v.Load(), c.miss[cmd].v.Load()
}

// Aggregate sums a set of worker counter blocks into per-command totals,
// implementing the `stat` command's cross-worker reduction.
func Aggregate(blocks []*CounterBlock) (hits, miss [numCommands]int64) {
	for _, b := range blocks {
		if b == nil {
			continue
		}
		for i := 0; i < numCommands; i++ {
			h, m := b.Snapshot(i)
			hits[i] += h
			miss[i] += m
		}
	}
	return
}

// NumCommands reports the size of the fixed command vector.
func NumCommands() int { return numCommands }
