package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/drive-cache/cache"
	"github.com/wolfeidau/drive-cache/credentials"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"})
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	require.NoError(t, cli.Globals.setup())
	return kctx.Run(&cli.Globals)
}

func TestCLI_PutGetRm(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "cache.db")
	src := filepath.Join(dir, "notes.txt")
	out := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(src, []byte("standup notes"), 0o600))

	require.NoError(t, run(t, "--path", db, "--log-level", "error", "put", "abc", src))
	require.NoError(t, run(t, "--path", db, "--log-level", "error", "get", "abc", "-o", out))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "standup notes", string(got))

	require.NoError(t, run(t, "--path", db, "--log-level", "error", "rm", "abc"))
	err = run(t, "--path", db, "--log-level", "error", "get", "abc")
	assert.ErrorIs(t, err, errNotCached)
}

func TestCLI_ClearAndStats(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "cache.db")
	src := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(src, []byte("a"), 0o600))

	require.NoError(t, run(t, "--path", db, "--log-level", "error", "put", "a", src))
	require.NoError(t, run(t, "--path", db, "--log-level", "error", "clear"))
	require.NoError(t, run(t, "--path", db, "--log-level", "error", "stats", "--json"))
}

func TestCLI_RejectsUnknownEngine(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"})
	require.NoError(t, err)
	_, err = parser.Parse([]string{"--engine", "indexeddb", "stats"})
	require.Error(t, err)
}

func TestUpstreamClient_FlagsWinOverCredentials(t *testing.T) {
	g := &Globals{
		APIURL: "https://flag.example.com/api",
		creds: &credentials.Credentials{
			AuthToken: "creds-auth",
			Drive:     &credentials.DriveAuthConfig{APIURL: "https://creds.example.com/api", Token: "t"},
		},
	}
	assert.Equal(t, "https://flag.example.com/api", g.upstreamClient().BaseURL())

	g.APIURL = ""
	assert.Equal(t, "https://creds.example.com/api", g.upstreamClient().BaseURL())

	assert.Equal(t, "creds-auth", g.authToken(""))
	assert.Equal(t, "flag-auth", g.authToken("flag-auth"))
}

func TestResultErr(t *testing.T) {
	assert.NoError(t, resultErr(cache.Result{Status: cache.StatusOK}))
	assert.ErrorIs(t, resultErr(cache.Result{Status: cache.StatusNotFound}), errNotCached)
	assert.ErrorIs(t, resultErr(cache.Result{Status: cache.StatusBackendError, Err: cache.ErrTransaction}), cache.ErrTransaction)
}
