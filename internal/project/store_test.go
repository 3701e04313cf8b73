package project

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backbone/internal/startup"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "projects.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sum, err := s.Create(ctx, NewProject{
		Name:        "Spring Campaign",
		Mode:        startup.ModeStandalone,
		Storage:     startup.StorageLocal,
		Description: "offline edit",
		OwnerID:     "u-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sum.ID)

	d, err := s.LoadProject(ctx, sum.ID)
	require.NoError(t, err)
	assert.Equal(t, "Spring Campaign", d.Name)
	assert.Equal(t, startup.ModeStandalone, d.Mode)
	assert.Equal(t, startup.StorageLocal, d.Storage)
	assert.Equal(t, "offline edit", d.Description)
	assert.Equal(t, "u-1", d.OwnerID)
	assert.False(t, d.CreatedAt.IsZero())
	assert.True(t, d.LastOpenedAt.IsZero())
}

func TestCreate_RejectsImpossibleBackend(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Create(context.Background(), NewProject{Name: "x", Mode: startup.ModeStandalone, Storage: startup.StorageCloud})
	assert.ErrorIs(t, err, startup.ErrInvalidConfiguration)

	_, err = s.Create(context.Background(), NewProject{Name: "  ", Mode: startup.ModeStandalone, Storage: startup.StorageLocal})
	assert.Error(t, err)
}

func TestCreate_DuplicateNamePerBackend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, NewProject{Name: "Docs", Mode: startup.ModeSharedNetwork, Storage: startup.StorageCloud})
	require.NoError(t, err)
	_, err = s.Create(ctx, NewProject{Name: "Docs", Mode: startup.ModeSharedNetwork, Storage: startup.StorageCloud})
	assert.Error(t, err)

	_, err = s.Create(ctx, NewProject{Name: "Docs", Mode: startup.ModeSharedNetwork, Storage: startup.StorageHybrid})
	assert.NoError(t, err, "same name on another backend is allowed")
}

func TestListProjects_FiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	alpha, err := s.Create(ctx, NewProject{Name: "alpha", Mode: startup.ModeSharedNetwork, Storage: startup.StorageCloud})
	require.NoError(t, err)
	beta, err := s.Create(ctx, NewProject{Name: "beta", Mode: startup.ModeSharedNetwork, Storage: startup.StorageCloud})
	require.NoError(t, err)
	gamma, err := s.Create(ctx, NewProject{Name: "gamma", Mode: startup.ModeSharedNetwork, Storage: startup.StorageCloud})
	require.NoError(t, err)
	_, err = s.Create(ctx, NewProject{Name: "local-only", Mode: startup.ModeStandalone, Storage: startup.StorageLocal})
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	require.NoError(t, s.Touch(ctx, beta.ID))
	clock = clock.Add(time.Hour)
	require.NoError(t, s.Touch(ctx, gamma.ID))

	list, err := s.ListProjects(ctx, startup.ModeSharedNetwork, startup.StorageCloud)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{gamma.ID, beta.ID, alpha.ID}, []string{list[0].ID, list[1].ID, list[2].ID})
	assert.True(t, list[0].LastOpenedAt.After(list[1].LastOpenedAt))

	require.NoError(t, s.Archive(ctx, beta.ID))
	list, err = s.ListProjects(ctx, startup.ModeSharedNetwork, startup.StorageCloud)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestLoadProject_Errors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LoadProject(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	sum, err := s.Create(ctx, NewProject{Name: "old", Mode: startup.ModeStandalone, Storage: startup.StorageLocal})
	require.NoError(t, err)
	require.NoError(t, s.Archive(ctx, sum.ID))
	_, err = s.LoadProject(ctx, sum.ID)
	assert.ErrorIs(t, err, ErrArchived)

	assert.ErrorIs(t, s.Touch(ctx, "missing"), ErrNotFound)
	assert.ErrorIs(t, s.Archive(ctx, "missing"), ErrNotFound)
}

func TestLoadProject_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.LoadProject(ctx, "anything")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestReopenKeepsCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.db")
	s, err := NewStore(path)
	require.NoError(t, err)
	sum, err := s.Create(context.Background(), NewProject{Name: "kept", Mode: startup.ModeStandalone, Storage: startup.StorageLocal})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := NewStore(path)
	require.NoError(t, err)
	defer s2.Close()
	d, err := s2.LoadProject(context.Background(), sum.ID)
	require.NoError(t, err)
	assert.Equal(t, "kept", d.Name)
}
