package config

import (
	"time"

	"github.com/spf13/cobra"
)

// BindFlags registers every flag of spec.md §6's CLI surface onto cmd,
// mirroring cuemby-warren/cmd/warren/main.go's persistent-flag wiring.
// Call FromFlags after cmd.Execute() parses args to read them back into
// a Config.
func BindFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	d := Default()

	f.String("host", d.Host, "bind address")
	f.Int("port", d.Port, "bind port")
	f.Int("thnum", d.ThreadNum, "number of worker threads")
	f.Duration("tout", d.Timeout, "per-connection task timeout")

	f.Bool("dmn", false, "daemonize")
	f.String("pid", "", "pid file path")
	f.Bool("kl", false, "kill the process already listening on the pid file, then start")

	f.String("log", "", "log file path (empty logs to stdout)")
	f.Bool("ld", false, "enable debug-level logging")
	f.Bool("le", false, "restrict logging to error level")

	f.String("ulog", "", "update log directory")
	f.Uint64("ulim", d.UlogLimit, "update log segment size limit in bytes")
	f.Bool("uas", false, "append to the update log asynchronously")

	f.Uint16("sid", d.Sid, "this server's replication id")
	f.String("mhost", "", "master host for replication")
	f.Int("mport", 0, "master port for replication")
	f.String("rts", "", "replication timestamp file path")
	f.Bool("rcc", false, "strict replication consistency checking")

	f.String("skel", "", "skeleton database library path")
	f.Int("mul", d.MulDB, "number of multiplexed databases")

	f.String("ext", "", "script extension library path")
	f.StringSlice("extpc", nil, "periodic extension call as name:period, repeatable")

	f.String("mask", "", "comma-separated list of commands to deny")
	f.String("unmask", "", "comma-separated list of commands to re-allow")

	f.String("metrics-addr", d.MetricsAddr, "address for /metrics, /health, /ready, /live")
}

// FromFlags reads cmd's flags (bound by BindFlags) into a new Config, and
// takes the database spec from args[0] if present.
func FromFlags(cmd *cobra.Command, args []string) (*Config, error) {
	f := cmd.Flags()
	c := Default()

	c.Host, _ = f.GetString("host")
	c.Port, _ = f.GetInt("port")
	c.ThreadNum, _ = f.GetInt("thnum")
	c.Timeout, _ = f.GetDuration("tout")

	c.Daemonize, _ = f.GetBool("dmn")
	c.PIDPath, _ = f.GetString("pid")
	c.KillPredecessor, _ = f.GetBool("kl")

	c.LogPath, _ = f.GetString("log")
	c.LogDebug, _ = f.GetBool("ld")
	c.LogError, _ = f.GetBool("le")

	c.UlogDir, _ = f.GetString("ulog")
	c.UlogLimit, _ = f.GetUint64("ulim")
	c.UlogAsync, _ = f.GetBool("uas")

	c.Sid, _ = f.GetUint16("sid")
	c.MasterHost, _ = f.GetString("mhost")
	c.MasterPort, _ = f.GetInt("mport")
	c.RTSPath, _ = f.GetString("rts")
	c.StrictConsistency, _ = f.GetBool("rcc")

	c.SkeletonPath, _ = f.GetString("skel")
	c.MulDB, _ = f.GetInt("mul")

	c.ExtPath, _ = f.GetString("ext")
	extpc, _ := f.GetStringSlice("extpc")
	for _, entry := range extpc {
		name, period, err := parseExtPeriodic(entry)
		if err != nil {
			return nil, err
		}
		c.ExtPeriodic = append(c.ExtPeriodic, ExtPeriodicCall{Name: name, Period: period})
	}

	c.MaskExpr, _ = f.GetString("mask")
	c.UnmaskExpr, _ = f.GetString("unmask")

	c.MetricsAddr, _ = f.GetString("metrics-addr")

	if len(args) > 0 {
		c.DBSpec = args[0]
	}

	if err := c.Finalize(); err != nil {
		return nil, err
	}
	return c, nil
}

func parseExtPeriodic(entry string) (string, time.Duration, error) {
	for i := len(entry) - 1; i >= 0; i-- {
		if entry[i] == ':' {
			name := entry[:i]
			period, err := time.ParseDuration(entry[i+1:])
			return name, period, err
		}
	}
	return entry, 0, nil
}
