package entitlement

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backbone/internal/startup"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entitlements.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tiers:\n  free:\n    backends: [local]\n"), 0644))
	table, err := LoadTable(path)
	require.NoError(t, err)

	reloaded := make(chan struct{}, 4)
	w, err := NewWatcher(table, func() { reloaded <- struct{}{} })
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("tiers:\n  free:\n    backends: [cloud]\n"), 0644))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload the table")
	}

	ent, err := table.Resolve(context.Background(), "free", false)
	require.NoError(t, err)
	assert.Equal(t, []startup.StorageMode{startup.StorageCloud}, ent.AllowedBackends.Sorted())
}

func TestWatcher_StopsOnContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entitlements.yaml")
	table, err := LoadTable(path)
	require.NoError(t, err)

	w, err := NewWatcher(table, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))

	cancel()
	<-w.doneCh
	w.Stop()
}

func TestWatcher_StopWithoutStart(t *testing.T) {
	w, err := NewWatcher(NewTable(), nil)
	require.NoError(t, err)
	w.Stop()
}
