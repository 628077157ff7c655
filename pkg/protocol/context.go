// Package protocol owns the Context every protocol handler shares (the
// first-byte protocol sniff of spec.md §4.G lives in pkg/server): the
// Logged-DB, the update log (for the master side of replication), the
// command mask, and the identity/version fields the `stat`/OPTIONS
// surfaces report.
package protocol

import (
	"time"

	"github.com/cuemby/tyrantd/pkg/config"
	"github.com/cuemby/tyrantd/pkg/loggeddb"
	"github.com/cuemby/tyrantd/pkg/metrics"
	"github.com/cuemby/tyrantd/pkg/ulog"
)

// Version is the protocol/server version string reported by `stat` and
// the HTTP OPTIONS handler.
const Version = "1.0.0"

// Context bundles the server-wide state every protocol handler needs.
// One Context is shared across all connections; it holds no
// per-connection state. Handlers only read it; SetMaster's implementation
// rewrites MasterHost/MasterPort in place.
type Context struct {
	DB  *loggeddb.DB
	Log *ulog.Log

	Mask *config.CommandMask

	Sid        uint16
	MasterHost string
	MasterPort int

	Pid       int
	StartedAt time.Time

	// Counters aggregates every dispatcher worker's CounterBlock for the
	// stat command's cross-worker reduction; nil is treated as empty.
	Counters func() []*metrics.CounterBlock

	// SetMaster replaces the replication target and triggers a reconnect
	// on the next tick, backing the binary protocol's setmst command. Nil
	// when the server was started without replication wired up.
	SetMaster func(host string, port int) error
}

// Uptime reports how long the server has been running.
func (c *Context) Uptime() time.Duration { return time.Since(c.StartedAt) }

// CommandCounters returns hit/miss totals for every command, indexed the
// same way metrics.CmdPut..metrics.CmdRepl are, aggregated across every
// dispatcher worker's CounterBlock.
func (c *Context) CommandCounters() (hits, miss []int64) {
	n := metrics.NumCommands()
	hits, miss = make([]int64, n), make([]int64, n)
	if c.Counters == nil {
		return
	}
	h, m := metrics.Aggregate(c.Counters())
	for i := 0; i < n; i++ {
		hits[i], miss[i] = h[i], m[i]
	}
	return
}
