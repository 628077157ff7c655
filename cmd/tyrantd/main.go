package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cuemby/tyrantd/pkg/config"
	"github.com/cuemby/tyrantd/pkg/log"
	"github.com/cuemby/tyrantd/pkg/server"
	"github.com/spf13/cobra"
)

// Version information, set via ldflags during build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tyrantd [dbspec]",
	Short: "tyrantd - a network-accessible, concurrent key-value store",
	Long: `tyrantd speaks the same binary, memcached, and HTTP/1.1 protocols
as ttserver against a single dbspec argument ("*" for an in-memory
store, "+path" for an on-disk path, "redis://host:port/db" for a
remote backend, or a plain file path for the default embedded store).`,
	Version: Version,
	Args:    cobra.MaximumNArgs(1),
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"tyrantd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	config.BindFlags(rootCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromFlags(cmd, args)
	if err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}

	level := log.InfoLevel
	if cfg.LogDebug {
		level = log.DebugLevel
	} else if cfg.LogError {
		level = log.ErrorLevel
	}
	var out io.Writer = os.Stdout
	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		out = f
	}
	log.Init(log.Config{Level: level, JSONOutput: cfg.LogPath != "", Output: out})

	if cfg.DBSpec == "" {
		return fmt.Errorf("a database spec argument is required")
	}

	for {
		srv, err := server.Open(cfg)
		if err != nil {
			return fmt.Errorf("starting server: %w", err)
		}
		restart := srv.WaitForSignal()
		srv.Shutdown()
		if !restart {
			return nil
		}
	}
}
