package device

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/devicectl/internal/devicetest"
	"github.com/psantana5/devicectl/internal/transport"
	"github.com/psantana5/devicectl/pkg/models"
)

func writeFile(t *testing.T, p string, mtime int64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte("data"), 0644))
	if mtime > 0 {
		ts := time.Unix(mtime, 0)
		require.NoError(t, os.Chtimes(p, ts, ts))
	}
}

// pushedTargets returns the device paths of every push, sorted
func pushedTargets(fake *devicetest.FakeTransport) []string {
	var targets []string
	for _, c := range fake.Calls() {
		if c.Kind == models.KindHost && len(c.Args) == 3 && c.Args[0] == "push" {
			targets = append(targets, c.Args[2])
		}
	}
	sort.Strings(targets)
	return targets
}

func TestSyncDirPushesOnlyNewerOrMissing(t *testing.T) {
	h, fake := newTestHandle(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), 1000)
	writeFile(t, filepath.Join(src, "b.txt"), 3000)
	writeFile(t, filepath.Join(src, "sub", "c.txt"), 0)
	writeFile(t, filepath.Join(src, ".hidden", "d.txt"), 0)
	writeFile(t, filepath.Join(src, ".dotfile"), 0)

	fake.OnShell("find ", "2000|/sdcard/dst\n2000|/sdcard/dst/a.txt\n2000|/sdcard/dst/b.txt\n", 0)

	ok, err := h.Files().SyncDir(context.Background(), src, "/sdcard/dst")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"/sdcard/dst/b.txt", "/sdcard/dst/sub/c.txt"}, pushedTargets(fake))
}

func TestPushDirExcludesDirectories(t *testing.T) {
	h, fake := newTestHandle(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "keep", "x.bin"), 0)
	writeFile(t, filepath.Join(src, "skip", "y.bin"), 0)
	writeFile(t, filepath.Join(src, "top.bin"), 0)

	ok, err := h.Files().PushDir(context.Background(), src, "/data/local/tmp/t", []string{"skip"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"/data/local/tmp/t/keep/x.bin", "/data/local/tmp/t/top.bin"}, pushedTargets(fake))
}

// mkdirTargets returns the device directories created with mkdir -p, sorted
func mkdirTargets(fake *devicetest.FakeTransport) []string {
	var dirs []string
	for _, c := range fake.Calls() {
		if dir, found := strings.CutPrefix(c.Command(), "mkdir -p "); found && c.Kind == models.KindShell {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs
}

func TestPushDirCreatesDirectories(t *testing.T) {
	h, fake := newTestHandle(t)
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "empty"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "keep", "inner"), 0755))
	writeFile(t, filepath.Join(src, "keep", "skip", "z.bin"), 0)
	writeFile(t, filepath.Join(src, "skip", "y.bin"), 0)

	ok, err := h.Files().PushDir(context.Background(), src, "/data/local/tmp/t", []string{"skip"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{
		"/data/local/tmp/t",
		"/data/local/tmp/t/empty",
		"/data/local/tmp/t/keep",
		"/data/local/tmp/t/keep/inner",
	}, mkdirTargets(fake))
	assert.Empty(t, pushedTargets(fake))
}

func TestPushDirMkdirFailureIsFalse(t *testing.T) {
	h, fake := newTestHandle(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), 0)
	fake.OnShell("mkdir -p", "", 1)

	ok, err := h.Files().PushDir(context.Background(), src, "/system/ro", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncDirComparesWholeSeconds(t *testing.T) {
	h, fake := newTestHandle(t)
	src := t.TempDir()
	p := filepath.Join(src, "same-second.txt")
	writeFile(t, p, 0)
	ts := time.Unix(2000, 900_000_000)
	require.NoError(t, os.Chtimes(p, ts, ts))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "new"), 0755))

	fake.OnShell("find ", "2000|/sdcard/dst\n2000|/sdcard/dst/same-second.txt\n", 0)

	ok, err := h.Files().SyncDir(context.Background(), src, "/sdcard/dst")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, pushedTargets(fake))
	assert.Equal(t, []string{"/sdcard/dst/new"}, mkdirTargets(fake))
}

func TestPushFileMissingLocal(t *testing.T) {
	h, fake := newTestHandle(t)

	ok, err := h.Files().PushFile(context.Background(), filepath.Join(t.TempDir(), "nope"), "/sdcard/nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, fake.Calls())
}

func TestPushFileFailureIsFalse(t *testing.T) {
	h, fake := newTestHandle(t)
	src := filepath.Join(t.TempDir(), "f")
	writeFile(t, src, 0)
	fake.On(models.KindHost, "push", devicetest.Respond("", 1))

	ok, err := h.Files().PushFile(context.Background(), src, "/system/f")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPushFileDeviceErrorPropagates(t *testing.T) {
	h, fake := newTestHandle(t, withOptions(func(o *Options) { o.RecoveryMode = models.RecoveryNone }))
	src := filepath.Join(t.TempDir(), "f")
	writeFile(t, src, 0)
	fake.On(models.KindHost, "push", devicetest.Fail(transport.ErrDeviceOffline))

	_, err := h.Files().PushFile(context.Background(), src, "/sdcard/f")
	assert.True(t, IsNotAvailable(err), "expected device error, got %v", err)
}

func TestPullDirRecurses(t *testing.T) {
	h, fake := newTestHandle(t)
	fake.OnShell("ls -A -p /sdcard/d", "a.txt\nsub/\n", 0)
	fake.OnShell("ls -A -p /sdcard/d/sub", "b.txt\n", 0)
	dst := filepath.Join(t.TempDir(), "out")

	ok, err := h.Files().PullDir(context.Background(), "/sdcard/d", dst)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, fake.CallCount(models.KindHost, "pull /sdcard/d/a.txt "+filepath.Join(dst, "a.txt")))
	assert.Equal(t, 1, fake.CallCount(models.KindHost, "pull /sdcard/d/sub/b.txt "+filepath.Join(dst, "sub", "b.txt")))
	assert.DirExists(t, filepath.Join(dst, "sub"))
}

func TestPullFileChecksHostSpace(t *testing.T) {
	h, fake := newTestHandle(t, withOptions(func(o *Options) { o.MinHostFreeBytes = math.MaxUint64 }))

	ok, err := h.Files().PullFile(context.Background(), "/sdcard/big.img", filepath.Join(t.TempDir(), "big.img"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, fake.CallCount(models.KindHost, "pull"))
}

func TestPullContents(t *testing.T) {
	h, fake := newTestHandle(t)
	fake.OnShell("cat /sdcard/hello", "hello world\n", 0)
	fake.OnShell("cat /sdcard/missing", "", 1)

	out, ok, err := h.Files().PullContents(context.Background(), "/sdcard/hello")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello world\n", out)

	_, ok, err = h.Files().PullContents(context.Background(), "/sdcard/missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExistsAndDelete(t *testing.T) {
	h, fake := newTestHandle(t)
	fake.OnShell("ls -d /sdcard/gone", "", 1)

	exists, err := h.Files().Exists(context.Background(), "/sdcard/gone")
	require.NoError(t, err)
	assert.False(t, exists)

	deleted, err := h.Files().Delete(context.Background(), "/sdcard/dir with space")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 1, fake.CallCount(models.KindShell, "rm -rf '/sdcard/dir with space'"))
}
