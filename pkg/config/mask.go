package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cuemby/tyrantd/pkg/db"
)

// CommandMask is the operator's allow/deny bitset over binary protocol
// commands, built from -mask/-unmask expressions (a comma-separated list
// of command names, per original_source/ttserver.c). All commands are
// allowed by default.
type CommandMask struct {
	mu     sync.RWMutex
	denied map[db.Cmd]bool
}

// NewCommandMask returns a mask that denies nothing.
func NewCommandMask() *CommandMask {
	return &CommandMask{denied: make(map[db.Cmd]bool)}
}

// Allowed reports whether cmd may be executed under this mask.
func (m *CommandMask) Allowed(cmd db.Cmd) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.denied[cmd]
}

// Deny forbids cmd.
func (m *CommandMask) Deny(cmd db.Cmd) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[cmd] = true
}

// Allow lifts a prior denial of cmd.
func (m *CommandMask) Allow(cmd db.Cmd) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.denied, cmd)
}

// ParseMask parses a -mask expression (comma-separated command names,
// e.g. "restore,copy,setmst") into a CommandMask denying each of them. An
// empty expression denies nothing.
func ParseMask(expr string) (*CommandMask, error) {
	mask := NewCommandMask()
	if err := mask.applyNames(expr, mask.Deny); err != nil {
		return nil, err
	}
	return mask, nil
}

// ApplyUnmask lifts the denial for each command named in expr, run after
// ParseMask so -unmask always wins over a broader -mask, matching
// ttserver.c's flag processing order.
func (m *CommandMask) ApplyUnmask(expr string) error {
	return m.applyNames(expr, m.Allow)
}

func (m *CommandMask) applyNames(expr string, apply func(db.Cmd)) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	for _, name := range strings.Split(expr, ",") {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		cmd, ok := commandByName[name]
		if !ok {
			return fmt.Errorf("config: unknown command %q in mask expression", name)
		}
		apply(cmd)
	}
	return nil
}
