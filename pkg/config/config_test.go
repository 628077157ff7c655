package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/tyrantd/pkg/db"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMaskDeniesListedCommands(t *testing.T) {
	mask, err := ParseMask("restore, Copy ,setmst")
	require.NoError(t, err)

	assert.False(t, mask.Allowed(db.CmdRestore))
	assert.False(t, mask.Allowed(db.CmdCopy))
	assert.False(t, mask.Allowed(db.CmdSetMst))
	assert.True(t, mask.Allowed(db.CmdPut))
}

func TestParseMaskRejectsUnknownCommand(t *testing.T) {
	_, err := ParseMask("bogus")
	assert.Error(t, err)
}

func TestUnmaskWinsOverMask(t *testing.T) {
	mask, err := ParseMask("restore,copy")
	require.NoError(t, err)
	require.NoError(t, mask.ApplyUnmask("copy"))

	assert.False(t, mask.Allowed(db.CmdRestore))
	assert.True(t, mask.Allowed(db.CmdCopy))
}

func TestFromFlagsRoundTrips(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	BindFlags(cmd)
	require.NoError(t, cmd.Flags().Set("port", "12345"))
	require.NoError(t, cmd.Flags().Set("mask", "restore"))

	cfg, err := FromFlags(cmd, []string{"mydb.tcb"})
	require.NoError(t, err)
	assert.Equal(t, 12345, cfg.Port)
	assert.Equal(t, "mydb.tcb", cfg.DBSpec)
	assert.False(t, cfg.Mask.Allowed(db.CmdRestore))
}

func TestLoadYAMLOverlaysFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tyrantd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: 10.0.0.1\nport: 9999\n"), 0o644))

	cfg := Default()
	require.NoError(t, cfg.LoadYAML(path))
	assert.Equal(t, "10.0.0.1", cfg.Host)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 8, cfg.ThreadNum) // untouched by the file, keeps the default
}
