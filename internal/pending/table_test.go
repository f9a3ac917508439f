package pending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct{ name string }

func entry(session, id string, at time.Time) *Entry[*fakeConn] {
	return &Entry[*fakeConn]{SessionID: session, ToolUseID: id, Conn: &fakeConn{name: id}, ReceivedAt: at}
}

func TestPutReturnsReplaced(t *testing.T) {
	tbl := NewTable[*fakeConn]()
	now := time.Now()
	first := entry("s1", "id1", now)
	assert.Nil(t, tbl.Put(first))

	second := entry("s1", "id1", now.Add(time.Millisecond))
	assert.Same(t, first, tbl.Put(second))
	assert.Equal(t, 1, tbl.Len())

	assert.False(t, tbl.RemoveEntry(first), "stale entry must not remove its replacement")
	got, ok := tbl.Get("id1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.True(t, tbl.RemoveEntry(second))
	assert.Equal(t, 0, tbl.Len())
}

func TestLatestForSession(t *testing.T) {
	tbl := NewTable[*fakeConn]()
	now := time.Now()
	tbl.Put(entry("s1", "old", now))
	tbl.Put(entry("s1", "new", now.Add(time.Second)))
	tbl.Put(entry("s2", "other", now.Add(2*time.Second)))

	e, ok := tbl.LatestForSession("s1")
	require.True(t, ok)
	assert.Equal(t, "new", e.ToolUseID)

	_, ok = tbl.LatestForSession("s3")
	assert.False(t, ok)
}

func TestLatestForSessionTieBreaksOnInsertOrder(t *testing.T) {
	tbl := NewTable[*fakeConn]()
	now := time.Now()
	tbl.Put(entry("s1", "a", now))
	tbl.Put(entry("s1", "b", now))

	e, ok := tbl.LatestForSession("s1")
	require.True(t, ok)
	assert.Equal(t, "b", e.ToolUseID)
}

func TestForSessionNewestFirst(t *testing.T) {
	tbl := NewTable[*fakeConn]()
	now := time.Now()
	tbl.Put(entry("s1", "a", now))
	tbl.Put(entry("s1", "c", now.Add(2*time.Second)))
	tbl.Put(entry("s1", "b", now.Add(time.Second)))
	tbl.Put(entry("s2", "x", now))

	var ids []string
	for _, e := range tbl.ForSession("s1") {
		ids = append(ids, e.ToolUseID)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)
}

func TestExpired(t *testing.T) {
	tbl := NewTable[*fakeConn]()
	now := time.Now()
	tbl.Put(entry("s1", "stale", now.Add(-10*time.Second)))
	tbl.Put(entry("s1", "fresh", now.Add(-time.Second)))

	exp := tbl.Expired(now, 5*time.Second)
	require.Len(t, exp, 1)
	assert.Equal(t, "stale", exp[0].ToolUseID)
}

func TestMarkFailureReportedOnce(t *testing.T) {
	e := entry("s1", "id", time.Now())
	assert.False(t, e.FailureReported())
	assert.True(t, e.MarkFailureReported())
	assert.False(t, e.MarkFailureReported())
	assert.True(t, e.FailureReported())
}

func TestRemoveWhere(t *testing.T) {
	tbl := NewTable[*fakeConn]()
	tbl.Put(entry("s1", "a", time.Now()))
	tbl.Put(entry("s2", "b", time.Now()))
	tbl.Put(entry("s1", "c", time.Now()))

	removed := tbl.RemoveWhere(func(e *Entry[*fakeConn]) bool { return e.SessionID == "s1" })
	assert.Len(t, removed, 2)
	assert.Equal(t, 1, tbl.Len())
	_, ok := tbl.Get("b")
	assert.True(t, ok)
}

func TestDrain(t *testing.T) {
	tbl := NewTable[*fakeConn]()
	tbl.Put(entry("s1", "a", time.Now()))
	tbl.Put(entry("s2", "b", time.Now()))
	assert.Len(t, tbl.Drain(), 2)
	assert.Equal(t, 0, tbl.Len())
}
