package record

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rekindle/rekindle/pkg/overlay"
	"github.com/rekindle/rekindle/pkg/overlay/simulated"
)

func newTestManager(t *testing.T, ov overlay.Overlay) *Manager {
	t.Helper()
	m, err := NewManager(ov, ":memory:")
	require.NoError(t, err)
	return m
}

func TestCreateAndReopenRecordPersistsOwner(t *testing.T) {
	ctx := context.Background()
	net := simulated.NewNetwork()
	ov := simulated.NewOverlay(net)
	m := newTestManager(t, ov)

	key, owner, err := m.CreateRecord(ctx, 7)
	require.NoError(t, err)

	loaded, ok, err := m.LoadOwner(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, owner.Public, loaded.Public)
}

func TestOpenRecordWritableIsIdempotent(t *testing.T) {
	ctx := context.Background()
	net := simulated.NewNetwork()
	ov := simulated.NewOverlay(net)
	m := newTestManager(t, ov)

	key, owner, err := m.CreateRecord(ctx, 1)
	require.NoError(t, err)

	// Re-opening with the same owner must be a no-op, not an error.
	require.NoError(t, m.OpenRecordWritable(ctx, key, owner))
	require.NoError(t, m.OpenRecordWritable(ctx, key, owner))
}

func TestCloseAllClosesEveryOpenRecord(t *testing.T) {
	ctx := context.Background()
	net := simulated.NewNetwork()
	ov := simulated.NewOverlay(net)
	m := newTestManager(t, ov)

	key, _, err := m.CreateRecord(ctx, 1)
	require.NoError(t, err)

	m.CloseAll(ctx)
	_, err = m.GetValue(ctx, key, 0, false)
	require.ErrorIs(t, err, overlay.ErrRecordNotOpen)
}

func TestImportRouteDedupesByBlob(t *testing.T) {
	ctx := context.Background()
	net := simulated.NewNetwork()
	server := simulated.NewOverlay(net)
	client := simulated.NewOverlay(net)
	m := newTestManager(t, client)

	_, blob, err := server.NewPrivateRoute(ctx)
	require.NoError(t, err)

	id1, err := m.ImportRoute(ctx, "peer-a", blob)
	require.NoError(t, err)
	id2, err := m.ImportRoute(ctx, "peer-a", blob)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	cached, ok := m.CachedRoute("peer-a")
	require.True(t, ok)
	require.Equal(t, id1, cached)
}

func TestHandleRouteChangeEvictsDeadRoutes(t *testing.T) {
	ctx := context.Background()
	net := simulated.NewNetwork()
	server := simulated.NewOverlay(net)
	client := simulated.NewOverlay(net)
	m := newTestManager(t, client)

	routeID, blob, err := server.NewPrivateRoute(ctx)
	require.NoError(t, err)
	_, err = m.ImportRoute(ctx, "peer-a", blob)
	require.NoError(t, err)

	m.HandleRouteChange([]overlay.RouteID{routeID})

	_, ok := m.CachedRoute("peer-a")
	require.False(t, ok)
}
