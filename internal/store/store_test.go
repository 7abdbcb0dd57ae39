package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runKVSuite checks the behaviour every backend must share.
func runKVSuite(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	_, err := kv.Get(ctx, "geofence/missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Set(ctx, "geofence/b", []byte("two")))
	require.NoError(t, kv.Set(ctx, "geofence/a", []byte("one")))
	require.NoError(t, kv.Set(ctx, "geofence_x", []byte("other")))
	require.NoError(t, kv.Set(ctx, "retry/sync", []byte("r")))

	v, err := kv.Get(ctx, "geofence/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	require.NoError(t, kv.Set(ctx, "geofence/a", []byte("uno")))
	v, err = kv.Get(ctx, "geofence/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), v)

	keys, err := kv.ListKeysWithPrefix(ctx, "geofence/")
	require.NoError(t, err)
	assert.Equal(t, []string{"geofence/a", "geofence/b"}, keys)

	require.NoError(t, kv.Delete(ctx, "geofence/a"))
	require.NoError(t, kv.Delete(ctx, "geofence/a"), "deleting a missing key is not an error")
	_, err = kv.Get(ctx, "geofence/a")
	require.ErrorIs(t, err, ErrNotFound)

	keys, err = kv.ListKeysWithPrefix(ctx, "nothing/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryKV(t *testing.T) {
	runKVSuite(t, NewMemory())
}

func TestMemoryReturnsCopies(t *testing.T) {
	m := NewMemory()
	buf := []byte("abc")
	require.NoError(t, m.Set(context.Background(), "k", buf))
	buf[0] = 'z'
	v, err := m.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(v))
}

func TestFileKV(t *testing.T) {
	f, err := NewFile(t.TempDir())
	require.NoError(t, err)
	runKVSuite(t, f)
}

func TestFileKVSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, f.Set(context.Background(), "event_queue", []byte("q")))

	f2, err := NewFile(dir)
	require.NoError(t, err)
	v, err := f2.Get(context.Background(), "event_queue")
	require.NoError(t, err)
	assert.Equal(t, "q", string(v))
}

func TestBadgerKV(t *testing.T) {
	b, err := NewBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	runKVSuite(t, b)
}

func TestSQLiteKV(t *testing.T) {
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	runKVSuite(t, s)
}

func TestSQLitePrefixIsLiteral(t *testing.T) {
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a_b", []byte("1")))
	require.NoError(t, s.Set(ctx, "axb", []byte("2")))
	keys, err := s.ListKeysWithPrefix(ctx, "a_")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_b"}, keys)
}

func TestRedisKV(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	runKVSuite(t, r)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	kv, err := Open(ctx, BackendMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, kv)

	kv, err = Open(ctx, "FILE", t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &File{}, kv)

	_, err = Open(ctx, "bolt", "")
	require.Error(t, err)
}
