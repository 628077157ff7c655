// Package server wires together every component pkg/db, pkg/ulog,
// pkg/loggeddb, pkg/recordlock, pkg/dispatcher, pkg/replication and
// pkg/metrics builds, implementing spec.md §4.J's lifecycle: open the
// backend and update log, start the worker pool and acceptor, optionally
// start a replication client, and drain everything on signal. Grounded
// on cuemby-warren/cmd/warren/main.go's manager-start command, which
// does the same open-resources/start-goroutines/wait-on-signal/
// shutdown-in-order shape for a single long-lived process.
package server

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/tyrantd/pkg/config"
	"github.com/cuemby/tyrantd/pkg/db"
	"github.com/cuemby/tyrantd/pkg/dispatcher"
	"github.com/cuemby/tyrantd/pkg/log"
	"github.com/cuemby/tyrantd/pkg/loggeddb"
	"github.com/cuemby/tyrantd/pkg/metrics"
	"github.com/cuemby/tyrantd/pkg/protocol"
	"github.com/cuemby/tyrantd/pkg/recordlock"
	"github.com/cuemby/tyrantd/pkg/replication"
	"github.com/cuemby/tyrantd/pkg/ulog"
	"github.com/rs/zerolog"
)

const defaultQueueDepth = 1024

// defaultAsyncQueueDepth bounds how many appends -uas may queue before a
// mutating call blocks on Enqueue, standing in for tculogwrite's 64-slot
// AIO ring.
const defaultAsyncQueueDepth = 64

// Server owns every long-lived resource of one tyrantd process: the
// Abstract DB, the update log, the dispatcher pool and acceptor, and
// (optionally) a replication client. Exactly one Server runs per
// process: Open starts it serving, the caller blocks on WaitForSignal,
// and Shutdown releases everything.
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	backend db.DB
	ulog    *ulog.Log
	async   *ulog.AsyncWriter
	logged  *loggeddb.DB

	pool     *dispatcher.Pool
	acceptor *dispatcher.Acceptor

	ctx *protocol.Context

	metricsSrv *http.Server

	replMu sync.Mutex
	repl   *replication.Client
}

// Open allocates and starts every resource cfg describes: the DB
// backend, the update log, the dispatcher pool and acceptor, the
// metrics/health HTTP listener, and (if cfg.MasterHost is set) a
// replication client. The returned Server is fully serving connections.
func Open(cfg *config.Config) (*Server, error) {
	if cfg.KillPredecessor && cfg.PIDPath != "" {
		killPredecessor(cfg.PIDPath)
	}

	backend, err := db.Open(cfg.DBSpec)
	if err != nil {
		return nil, fmt.Errorf("server: open db: %w", err)
	}
	metrics.RegisterComponent("db", true, "")

	ulogDir := cfg.UlogDir
	if ulogDir == "" {
		ulogDir = "ulog"
	}
	ulogLog, err := ulog.Open(ulogDir, cfg.UlogLimit)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("server: open update log: %w", err)
	}
	metrics.RegisterComponent("ulog", true, "")

	locks := recordlock.New(recordlock.DefaultSlots)

	var appender loggeddb.Appender = ulogLog
	var asyncWriter *ulog.AsyncWriter
	if cfg.UlogAsync {
		asyncWriter = ulog.NewAsyncWriter(ulogLog, defaultAsyncQueueDepth)
		appender = asyncWriter
	}
	logged := loggeddb.New(backend, appender, locks, cfg.Sid)

	s := &Server{
		cfg:     cfg,
		log:     log.WithComponent("server"),
		backend: backend,
		ulog:    ulogLog,
		async:   asyncWriter,
		logged:  logged,
	}

	ctx := &protocol.Context{
		DB:         logged,
		Log:        ulogLog,
		Mask:       cfg.Mask,
		Sid:        cfg.Sid,
		MasterHost: cfg.MasterHost,
		MasterPort: cfg.MasterPort,
		Pid:        os.Getpid(),
		StartedAt:  time.Now(),
		Counters:   func() []*metrics.CounterBlock { return s.pool.Counters() },
		SetMaster:  s.setMaster,
	}
	s.ctx = ctx

	handler := Dispatch(ctx, cfg.Timeout)
	s.pool = dispatcher.New(cfg.ThreadNum, defaultQueueDepth, cfg.Timeout, handler)
	s.pool.Start()
	metrics.RegisterComponent("dispatcher", true, "")

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	acceptor, err := dispatcher.Listen(addr, s.pool)
	if err != nil {
		s.Shutdown()
		return nil, fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.acceptor = acceptor
	go acceptor.Serve()
	s.log.Info().Str("addr", addr).Msg("listening")

	if cfg.MetricsAddr != "" {
		s.startMetricsServer(cfg.MetricsAddr)
	}

	if cfg.MasterHost != "" {
		s.startReplication(replication.Config{
			Host:    cfg.MasterHost,
			Port:    cfg.MasterPort,
			SelfSid: cfg.Sid,
			RTSPath: cfg.RTSPath,
			Strict:  cfg.StrictConsistency,
		})
	}

	if cfg.PIDPath != "" {
		if err := writePIDFile(cfg.PIDPath); err != nil {
			s.log.Warn().Err(err).Str("path", cfg.PIDPath).Msg("failed to write pid file")
		}
	}

	return s, nil
}

// Addr reports the bound listener address, useful in tests that bind to
// ":0".
func (s *Server) Addr() net.Addr { return s.acceptor.Addr() }

func (s *Server) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	s.metricsSrv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	s.log.Info().Str("addr", addr).Msg("metrics listening")
}

func (s *Server) startReplication(cfg replication.Config) {
	client := replication.New(cfg, s.logged)
	s.replMu.Lock()
	s.repl = client
	s.replMu.Unlock()
	go client.Run()
}

// setMaster implements the binary protocol's setmst command (reached via
// protocol.Context.SetMaster): it atomically swaps the
// replication target, stopping any running client and starting a fresh
// one against the new master, per spec.md §4.H's "replaces the
// replication target atomically and triggers reconnect".
func (s *Server) setMaster(host string, port int) error {
	s.replMu.Lock()
	old := s.repl
	s.replMu.Unlock()
	if old != nil {
		old.Stop()
	}

	s.ctx.MasterHost = host
	s.ctx.MasterPort = port
	s.cfg.MasterHost = host
	s.cfg.MasterPort = port

	if host == "" {
		s.replMu.Lock()
		s.repl = nil
		s.replMu.Unlock()
		return nil
	}

	cfg := replication.Config{
		Host:    host,
		Port:    port,
		SelfSid: s.cfg.Sid,
		RTSPath: s.cfg.RTSPath,
		Strict:  s.cfg.StrictConsistency,
	}
	s.startReplication(cfg)
	return nil
}

// Shutdown drains the dispatcher (letting in-flight tasks finish or time
// out), stops replication and the metrics server, syncs and closes the
// DB, closes the update log, and removes the pid file, per spec.md
// §4.J's termination sequence.
func (s *Server) Shutdown() {
	if s.acceptor != nil {
		_ = s.acceptor.Close()
	}
	s.replMu.Lock()
	repl := s.repl
	s.replMu.Unlock()
	if repl != nil {
		repl.Stop()
	}
	if s.pool != nil {
		s.pool.Stop()
	}
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Close()
	}
	if s.backend != nil {
		if err := s.backend.Sync(); err != nil {
			s.log.Warn().Err(err).Msg("final sync failed")
		}
		_ = s.backend.Close()
	}
	if s.async != nil {
		_ = s.async.Close()
	}
	if s.ulog != nil {
		_ = s.ulog.Close()
	}
	if s.cfg.PIDPath != "" {
		_ = os.Remove(s.cfg.PIDPath)
	}
	s.log.Info().Msg("shutdown complete")
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// killPredecessor implements `-kl`: read the pid file left by a prior
// instance and send it SIGTERM before this instance opens the same
// dbspec, so a restart doesn't fail on a still-held file lock.
func killPredecessor(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)
	time.Sleep(200 * time.Millisecond)
}
