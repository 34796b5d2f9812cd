package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func raws(docs ...string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		out = append(out, json.RawMessage(d))
	}
	return out
}

func TestCreateAndLatest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "city"))

	features, version, err := s.Latest(ctx, "city")
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
	assert.Empty(t, features)
}

func TestCreateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "city"))
	_, err := s.SaveMerged(ctx, "city", 0, raws(`{"id":1}`))
	require.NoError(t, err)

	require.NoError(t, s.Create(ctx, "city"))
	_, version, err := s.Latest(ctx, "city")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestLatestUnknownMap(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.Latest(context.Background(), "nowhere")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveMergedAdvancesVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "city"))

	v1, err := s.SaveMerged(ctx, "city", 0, raws(`{"id":1}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)

	v2, err := s.SaveMerged(ctx, "city", 1, raws(`{"id":1}`, `{"id":2}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	features, version, err := s.Latest(ctx, "city")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.Equal(t, raws(`{"id":1}`, `{"id":2}`), features)
}

func TestSaveMergedStaleBase(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "city"))

	_, err := s.SaveMerged(ctx, "city", 0, raws(`{"id":1}`))
	require.NoError(t, err)

	// a second writer still holding base version 0
	_, err = s.SaveMerged(ctx, "city", 0, raws(`{"id":2}`))
	assert.ErrorIs(t, err, ErrStale)

	// the losing write left no trace
	features, version, err := s.Latest(ctx, "city")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, raws(`{"id":1}`), features)
}

func TestSaveMergedUnknownMap(t *testing.T) {
	s := openTestStore(t)
	_, err := s.SaveMerged(context.Background(), "nowhere", 0, raws(`{"id":1}`))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "city"))
	_, err := s.SaveMerged(ctx, "city", 0, raws(`{"id":1}`))
	require.NoError(t, err)

	features, err := s.Snapshot(ctx, "city", 0)
	require.NoError(t, err)
	assert.Empty(t, features)

	features, err = s.Snapshot(ctx, "city", 1)
	require.NoError(t, err)
	assert.Equal(t, raws(`{"id":1}`), features)

	_, err = s.Snapshot(ctx, "city", 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLineage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "city"))
	_, err := s.SaveMerged(ctx, "city", 0, raws(`{"id":1}`))
	require.NoError(t, err)
	_, err = s.SaveMerged(ctx, "city", 1, raws(`{"id":1}`, `{"id":2}`))
	require.NoError(t, err)

	lineage, err := s.Lineage(ctx, "city")
	require.NoError(t, err)
	require.Len(t, lineage, 3)
	assert.Equal(t, int64(0), lineage[0].Version)
	assert.Equal(t, int64(2), lineage[2].Version)
	assert.Equal(t, raws(`{"id":1}`, `{"id":2}`), lineage[2].Features)

	_, err = s.Lineage(ctx, "nowhere")
	assert.ErrorIs(t, err, ErrNotFound)
}
