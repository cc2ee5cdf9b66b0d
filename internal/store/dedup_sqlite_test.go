package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDedup(t *testing.T) *SQLiteDedup {
	t.Helper()
	d, err := NewSQLiteDedup("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestSQLiteDedup_RecordInbound(t *testing.T) {
	d := newTestDedup(t)

	dup, err := d.IsDuplicate("mid.1")
	require.NoError(t, err)
	assert.False(t, dup)

	inserted, err := d.RecordInbound("mid.1", "messenger:U1")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = d.RecordInbound("mid.1", "messenger:U1")
	require.NoError(t, err)
	assert.False(t, inserted, "second record of the same message must report a duplicate")

	dup, err = d.IsDuplicate("mid.1")
	require.NoError(t, err)
	assert.True(t, dup)

	require.NoError(t, d.MarkProcessed("mid.1"))
}

func TestSQLiteDedup_Prune(t *testing.T) {
	d := newTestDedup(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	d.now = func() time.Time { return base.Add(-48 * time.Hour) }
	_, err := d.RecordInbound("old", "messenger:U1")
	require.NoError(t, err)

	d.now = func() time.Time { return base }
	_, err = d.RecordInbound("new", "messenger:U1")
	require.NoError(t, err)

	n, err := d.Prune(base.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	dup, err := d.IsDuplicate("old")
	require.NoError(t, err)
	assert.False(t, dup)
	dup, err = d.IsDuplicate("new")
	require.NoError(t, err)
	assert.True(t, dup)
}
