package simulated

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rekindle/rekindle/pkg/overlay"
)

func TestDHTRecordSetGetAcrossPeers(t *testing.T) {
	ctx := context.Background()
	net := NewNetwork()
	writer := NewOverlay(net)
	reader := NewOverlay(net)

	key, owner, err := writer.CreateDHTRecord(ctx, overlay.RecordSchema{SubkeyCount: 7})
	require.NoError(t, err)
	require.NotNil(t, owner)

	require.NoError(t, writer.SetDHTValue(ctx, key, 0, []byte("alice")))

	require.NoError(t, reader.OpenDHTRecord(ctx, key, nil))
	val, err := reader.GetDHTValue(ctx, key, 0, false)
	require.NoError(t, err)
	require.Equal(t, []byte("alice"), val)
}

func TestWatchDeliversValueChange(t *testing.T) {
	ctx := context.Background()
	net := NewNetwork()
	writer := NewOverlay(net)
	watcher := NewOverlay(net)

	key, _, err := writer.CreateDHTRecord(ctx, overlay.RecordSchema{SubkeyCount: 2})
	require.NoError(t, err)
	require.NoError(t, watcher.OpenDHTRecord(ctx, key, nil))

	ok, err := watcher.WatchDHTValues(ctx, key, 0, 1)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, writer.SetDHTValue(ctx, key, 1, []byte("status")))

	evt := <-watcher.Events()
	require.NotNil(t, evt.ValueChange)
	require.Equal(t, key, evt.ValueChange.Key)
	require.Equal(t, []uint32{1}, evt.ValueChange.Subkeys)
}

func TestPrivateRouteAppCallRoundTrip(t *testing.T) {
	ctx := context.Background()
	net := NewNetwork()
	server := NewOverlay(net)
	client := NewOverlay(net)

	routeID, blob, err := server.NewPrivateRoute(ctx)
	require.NoError(t, err)

	imported, err := client.ImportRemotePrivateRoute(ctx, blob)
	require.NoError(t, err)
	require.Equal(t, routeID, imported)

	go func() {
		evt := <-server.Events()
		require.NotNil(t, evt.AppCall)
		require.NoError(t, server.AppCallReply(ctx, evt.AppCall.CallID, []byte("pong")))
	}()

	reply, err := client.AppCall(ctx, imported, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), reply)
}

func TestReleasedRouteRejectsImport(t *testing.T) {
	ctx := context.Background()
	net := NewNetwork()
	server := NewOverlay(net)
	client := NewOverlay(net)

	_, blob, err := server.NewPrivateRoute(ctx)
	require.NoError(t, err)

	routeID, err := client.ImportRemotePrivateRoute(ctx, blob)
	require.NoError(t, err)
	require.NoError(t, server.ReleasePrivateRoute(ctx, routeID))

	_, err = client.ImportRemotePrivateRoute(ctx, blob)
	require.ErrorIs(t, err, overlay.ErrRouteNotFound)
}
