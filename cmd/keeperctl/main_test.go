package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/keeper/internal/testutil/keepertest"
	"github.com/dreamware/keeper/internal/wire"
)

// ctl runs one keeperctl invocation against addr and returns its stdout.
func ctl(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--address", addr}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustCtl(t *testing.T, addr string, args ...string) string {
	t.Helper()
	out, err := ctl(t, addr, args...)
	require.NoError(t, err, "keeperctl %s", strings.Join(args, " "))
	return out
}

func TestNamespaceCommands(t *testing.T) {
	srv := keepertest.Start(t)
	addr := srv.Addr()

	assert.Equal(t, "false\n", mustCtl(t, addr, "exists", "/app"))
	mustCtl(t, addr, "mkdirs", "/app/config", "/app/locks/l1")
	assert.Equal(t, "true\n", mustCtl(t, addr, "exists", "/app/locks/l1"))
	assert.Equal(t, "config\nlocks\n", mustCtl(t, addr, "ls", "/app"))

	assert.Equal(t, "version = 1\n", mustCtl(t, addr, "set", "/app/config", "replicas=3"))
	out := mustCtl(t, addr, "get", "--stat", "/app/config")
	assert.True(t, strings.HasPrefix(out, "replicas=3\nversion = 1\nchildren = 0\n"), out)

	_, err := ctl(t, addr, "set", "--version", "0", "/app/config", "stale")
	assert.ErrorIs(t, err, wire.ErrBadVersion)

	_, err = ctl(t, addr, "rm", "/app/locks")
	assert.ErrorIs(t, err, wire.ErrNotEmpty)
	mustCtl(t, addr, "rm", "-r", "/app/locks")
	assert.Equal(t, "config\n", mustCtl(t, addr, "ls", "/app"))

	mustCtl(t, addr, "clean", "/")
	assert.Equal(t, "", mustCtl(t, addr, "ls", "/"))
}

func TestMkdirOptions(t *testing.T) {
	srv := keepertest.Start(t)
	addr := srv.Addr()

	mustCtl(t, addr, "mkdir", "--data", "hello", "/a/b")
	assert.Equal(t, "hello\n", mustCtl(t, addr, "get", "/a/b"))

	_, err := ctl(t, addr, "mkdir", "--fail-on-exists", "/a/b")
	assert.ErrorIs(t, err, wire.ErrNodeExists)
	mustCtl(t, addr, "mkdir", "/a/b")

	// the ephemeral node goes away with the command's session
	mustCtl(t, addr, "mkdir", "--ephemeral", "/a/tmp")
	assert.Equal(t, "false\n", mustCtl(t, addr, "exists", "/a/tmp"))
}

func TestWatchPrintsEvents(t *testing.T) {
	srv := keepertest.Start(t)
	addr := srv.Addr()
	mustCtl(t, addr, "mkdir", "/w")

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := ctl(t, addr, "watch", "--count", "2", "/w")
		done <- result{out, err}
	}()

	armed := func() bool { return srv.Server().Stats().Watches == 1 }
	require.Eventually(t, armed, 5*time.Second, 10*time.Millisecond)
	mustCtl(t, addr, "mkdir", "/w/a")
	require.Eventually(t, armed, 5*time.Second, 10*time.Millisecond)
	mustCtl(t, addr, "mkdir", "/w/b")

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "node_children_changed /w\nnode_children_changed /w\n", r.out)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not finish")
	}
}

func TestWatchStopsOnDeletion(t *testing.T) {
	srv := keepertest.Start(t)
	addr := srv.Addr()
	mustCtl(t, addr, "mkdir", "/d")

	done := make(chan string, 1)
	go func() {
		out, _ := ctl(t, addr, "watch", "--data", "/d")
		done <- out
	}()
	require.Eventually(t, func() bool { return srv.Server().Stats().Watches == 1 }, 5*time.Second, 10*time.Millisecond)
	mustCtl(t, addr, "rm", "/d")

	select {
	case out := <-done:
		assert.Equal(t, "node_deleted /d\n", out)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestConfigFileSuppliesAddress(t *testing.T) {
	srv := keepertest.Start(t)
	path := filepath.Join(t.TempDir(), "keeper.toml")
	require.NoError(t, os.WriteFile(path, []byte("address = \""+srv.Addr()+"\"\n"), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", path, "exists", "/"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "true\n", out.String())
}

func TestArgumentErrors(t *testing.T) {
	srv := keepertest.Start(t)

	_, err := ctl(t, srv.Addr(), "set", "/only-path")
	assert.ErrorContains(t, err, "accepts 2 arg(s)")
	_, err = ctl(t, srv.Addr(), "ls", "/a/../b")
	assert.ErrorIs(t, err, wire.ErrInvalidPath)
}
