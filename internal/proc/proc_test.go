package proc

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeProc(t *testing.T, procs map[int]string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "self"), 0o755))
	for pid, stat := range procs {
		dir := filepath.Join(root, strconv.Itoa(pid))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte("bin\x00--flag\x00"), 0o644))
	}
	old := Root
	Root = root
	t.Cleanup(func() { Root = old })
}

func TestParseStat(t *testing.T) {
	comm, state, ppid, ok := parseStat("1234 (claude (node)) S 42 1234 1234 0 -1")
	require.True(t, ok)
	assert.Equal(t, "claude (node)", comm)
	assert.Equal(t, byte('S'), state)
	assert.Equal(t, 42, ppid)

	_, _, _, ok = parseStat("garbage")
	assert.False(t, ok)
	_, _, _, ok = parseStat("1 (x)")
	assert.False(t, ok)
}

func TestParsePID(t *testing.T) {
	pid, ok := parsePID("314")
	assert.True(t, ok)
	assert.Equal(t, 314, pid)

	for _, name := range []string{"", "self", "12a", "0"} {
		_, ok := parsePID(name)
		assert.False(t, ok, name)
	}
}

func TestAliveFromProcfs(t *testing.T) {
	fakeProc(t, map[int]string{
		10: "10 (claude) S 1 10 10 0",
		11: "11 (defunct) Z 10 11 11 0",
	})

	assert.True(t, Alive(10))
	assert.False(t, Alive(11), "zombie")
	assert.False(t, Alive(12), "missing")
	assert.False(t, Alive(0))
	assert.False(t, Alive(-1))
}

func TestAliveSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs procfs")
	}
	assert.True(t, Alive(os.Getpid()))
}

func TestSnapshotHasAncestor(t *testing.T) {
	fakeProc(t, map[int]string{
		1:   "1 (init) S 0 1 1 0",
		100: "100 (claude) S 1 100 100 0",
		200: "200 (bash) S 100 200 200 0",
		300: "300 (hookd) S 200 300 300 0",
		400: "400 (other) S 1 400 400 0",
	})

	snap := TakeSnapshot()
	e, ok := snap.Get(300)
	require.True(t, ok)
	assert.Equal(t, "hookd", e.Comm)
	assert.Equal(t, "bin --flag", e.Cmdline)

	assert.True(t, snap.HasAncestor(300, 100))
	assert.True(t, snap.HasAncestor(300, 1))
	assert.False(t, snap.HasAncestor(400, 100))
	assert.False(t, snap.HasAncestor(100, 100))
	assert.False(t, snap.HasAncestor(999, 1))

	var nilSnap *Snapshot
	assert.False(t, nilSnap.HasAncestor(300, 100))
}

func TestSnapshotCycleTerminates(t *testing.T) {
	fakeProc(t, map[int]string{
		5: "5 (a) S 6 5 5 0",
		6: "6 (b) S 5 6 6 0",
	})
	assert.False(t, TakeSnapshot().HasAncestor(5, 7))
}
