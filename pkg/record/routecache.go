package record

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/rekindle/rekindle/pkg/overlay"
)

// ImportRoute imports peerBlob for peerPubkeyHex, deduplicated: if the
// same blob was already imported this session, the cached route id is
// returned instead of importing again (each import produces a new route
// id the overlay tracks internally, so re-importing an unchanged blob
// would leak overlay-side state).
func (m *Manager) ImportRoute(ctx context.Context, peerPubkeyHex string, peerBlob []byte) (overlay.RouteID, error) {
	blobHash := hashBlob(peerBlob)

	m.mu.RLock()
	if id, ok := m.routeByHash[blobHash]; ok {
		m.mu.RUnlock()
		m.mu.Lock()
		m.routeByPeer[peerPubkeyHex] = &cachedRoute{blob: peerBlob, blobHash: blobHash, importedID: id}
		m.mu.Unlock()
		return id, nil
	}
	m.mu.RUnlock()

	id, err := m.overlay.ImportRemotePrivateRoute(ctx, peerBlob)
	if err != nil {
		return "", fmt.Errorf("record: import route for %s: %w", peerPubkeyHex, err)
	}

	m.mu.Lock()
	m.routeByHash[blobHash] = id
	m.routeByPeer[peerPubkeyHex] = &cachedRoute{blob: peerBlob, blobHash: blobHash, importedID: id}
	m.mu.Unlock()

	return id, nil
}

// CachedRoute returns the currently cached route id for a peer, if any.
func (m *Manager) CachedRoute(peerPubkeyHex string) (overlay.RouteID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cr, ok := m.routeByPeer[peerPubkeyHex]
	if !ok {
		return "", false
	}
	return cr.importedID, true
}

// InvalidateRoute drops the cached route for a peer after a send
// failure, forcing the next attempt to re-fetch from DHT or mailbox.
func (m *Manager) InvalidateRoute(peerPubkeyHex string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cr, ok := m.routeByPeer[peerPubkeyHex]
	if !ok {
		return
	}
	delete(m.routeByPeer, peerPubkeyHex)
	delete(m.routeByHash, cr.blobHash)
}

// HandleRouteChange evicts every cached entry (by peer and by blob hash)
// whose imported route id is among deadRoutes. Per the overlay contract,
// callers must never call ReleasePrivateRoute on a dead id.
func (m *Manager) HandleRouteChange(deadRoutes []overlay.RouteID) {
	dead := make(map[overlay.RouteID]bool, len(deadRoutes))
	for _, id := range deadRoutes {
		dead[id] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for peer, cr := range m.routeByPeer {
		if dead[cr.importedID] {
			delete(m.routeByPeer, peer)
			delete(m.routeByHash, cr.blobHash)
		}
	}
}

func hashBlob(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
