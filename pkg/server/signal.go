package server

import (
	"os"
	"os/signal"
	"syscall"
)

// WaitForSignal blocks until SIGTERM, SIGINT, or SIGHUP arrives, matching
// spec.md §4.J's graceful shutdown: SIGTERM/SIGINT request a plain exit,
// SIGHUP additionally asks the caller to re-enter the main loop for a
// hot restart once this instance has shut down.
func (s *Server) WaitForSignal() (restart bool) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	s.log.Info().Str("signal", sig.String()).Msg("received signal")
	return sig == syscall.SIGHUP
}
