package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ngrok/nowlink"
	"github.com/stretchr/testify/require"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("nowlinkd", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func TestParseFlags(t *testing.T) {
	opts, showVersion, err := parseFlags(newFlagSet(), []string{"-id", "0x21", "-address-policy", "reject", "-jitter", "0"})
	require.NoError(t, err)
	require.False(t, showVersion)
	require.Equal(t, byte(0x21), opts.id)
	require.Equal(t, nowlink.RejectMismatch, opts.addressPolicy)
	require.Equal(t, nowlink.DefaultCapacity, opts.capacity)
	require.Equal(t, time.Duration(0), opts.jitter)
	require.Equal(t, ":4210", opts.listen)
}

func TestParseFlagsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id": "33", "capacity": 2, "status_window": "250ms"}`), 0644))

	opts, _, err := parseFlags(newFlagSet(), []string{"-config", path, "-capacity", "3"})
	require.NoError(t, err)
	require.Equal(t, byte(33), opts.id)
	require.Equal(t, 3, opts.capacity)
	require.Equal(t, 250*time.Millisecond, opts.statusWindow)
}

func TestParseFlagsErrors(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"-id", "0x100"},
		{"-id", "peer"},
		{"-id", "1", "-address-policy", "maybe"},
	} {
		_, _, err := parseFlags(newFlagSet(), args)
		require.Error(t, err, "args %v", args)
	}

	_, showVersion, err := parseFlags(newFlagSet(), []string{"-version"})
	require.NoError(t, err)
	require.True(t, showVersion)
}
