// Package config holds tyrantd's runtime configuration: the CLI surface
// of spec.md §6, an optional YAML file for deployments that prefer a
// file over flags, and the -mask/-unmask command bitmask grammar.
// Grounded on cuemby-warren/cmd/warren/main.go's cobra flag wiring,
// generalized from subcommand-per-resource to one flat flag set.
package config

import (
	"os"
	"time"

	"github.com/cuemby/tyrantd/pkg/db"
	"gopkg.in/yaml.v3"
)

// ExtPeriodicCall is one -extpc entry: call a named extension function on
// a fixed period.
type ExtPeriodicCall struct {
	Name   string        `yaml:"name"`
	Period time.Duration `yaml:"period"`
}

// Config is tyrantd's full runtime configuration, filled from CLI flags
// and optionally overlaid with a YAML file.
type Config struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	ThreadNum int  `yaml:"thnum"`
	Timeout time.Duration `yaml:"tout"`

	Daemonize       bool   `yaml:"dmn"`
	PIDPath         string `yaml:"pid"`
	KillPredecessor bool   `yaml:"kl"`

	LogPath  string `yaml:"log"`
	LogDebug bool   `yaml:"ld"`
	LogError bool   `yaml:"le"`

	UlogDir   string `yaml:"ulog"`
	UlogLimit uint64 `yaml:"ulim"`
	UlogAsync bool   `yaml:"uas"`

	Sid               uint16 `yaml:"sid"`
	MasterHost        string `yaml:"mhost"`
	MasterPort        int    `yaml:"mport"`
	RTSPath           string `yaml:"rts"`
	StrictConsistency bool   `yaml:"rcc"`

	SkeletonPath string `yaml:"skel"`
	MulDB        int    `yaml:"mul"`

	ExtPath     string            `yaml:"ext"`
	ExtPeriodic []ExtPeriodicCall `yaml:"extpc"`

	MaskExpr   string `yaml:"mask"`
	UnmaskExpr string `yaml:"unmask"`

	DBSpec string `yaml:"dbspec"`

	// MetricsAddr serves /metrics, /health, /ready and /live the way the
	// teacher's metrics goroutine does, on its own listener rather than
	// the multiplexed binary/memcached/HTTP port.
	MetricsAddr string `yaml:"metrics_addr"`

	Mask *CommandMask `yaml:"-"`
}

// Default returns a Config with ttserver's documented defaults: 8
// threads, a 30s per-task timeout, self sid 1, and a 256 MiB update-log
// file size limit before rotation.
func Default() *Config {
	return &Config{
		Host:        "0.0.0.0",
		Port:        1978,
		ThreadNum:   8,
		Timeout:     30 * time.Second,
		UlogLimit:   256 << 20,
		Sid:         1,
		MulDB:       1,
		MetricsAddr: "127.0.0.1:9090",
		Mask:        NewCommandMask(),
	}
}

// LoadYAML overlays cfg's fields with the contents of path, used when a
// deployment prefers a config file over flags. Unset fields in the file
// leave cfg's prior values untouched, since yaml.Unmarshal only writes
// keys present in the document.
func (c *Config) LoadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// Finalize builds c.Mask from MaskExpr/UnmaskExpr. Call once flag
// parsing (or YAML loading) is complete.
func (c *Config) Finalize() error {
	mask, err := ParseMask(c.MaskExpr)
	if err != nil {
		return err
	}
	if err := mask.ApplyUnmask(c.UnmaskExpr); err != nil {
		return err
	}
	c.Mask = mask
	return nil
}

// commandByName resolves a spec.md command name to its binary protocol
// opcode, for -mask/-unmask expressions.
var commandByName = map[string]db.Cmd{
	"put": db.CmdPut, "putkeep": db.CmdPutKeep, "putcat": db.CmdPutCat,
	"putshl": db.CmdPutShl, "putnr": db.CmdPutNr, "out": db.CmdOut,
	"get": db.CmdGet, "mget": db.CmdMGet, "vsiz": db.CmdVSiz,
	"iterinit": db.CmdIterInit, "iternext": db.CmdIterNext, "fwmkeys": db.CmdFwmKeys,
	"addint": db.CmdAddInt, "adddouble": db.CmdAddDouble, "ext": db.CmdExt,
	"sync": db.CmdSync, "optimize": db.CmdOptimize, "vanish": db.CmdVanish,
	"copy": db.CmdCopy, "restore": db.CmdRestore, "setmst": db.CmdSetMst,
	"rnum": db.CmdRNum, "size": db.CmdSize, "stat": db.CmdStat,
	"misc": db.CmdMisc, "repl": db.CmdRepl,
}
