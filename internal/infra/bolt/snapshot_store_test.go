package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "node.db")

	store, err := Open(path)
	require.NoError(t, err)

	_, ok, err := store.Load(ctx, "peermesh:controller")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Save(ctx, "peermesh:controller", []byte(`{"phase":"running"}`)))
	require.NoError(t, store.Save(ctx, "peermesh:participant", []byte(`{"joined":true}`)))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()

	data, ok, err := store.Load(ctx, "peermesh:controller")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"phase":"running"}`, string(data))

	require.NoError(t, store.Delete(ctx, "peermesh:controller"))
	_, ok, err = store.Load(ctx, "peermesh:controller")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = store.Load(ctx, "peermesh:participant")
	require.NoError(t, err)
	require.True(t, ok, "other keys are untouched")
}
