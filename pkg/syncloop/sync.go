package syncloop

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"

	"github.com/rekindle/rekindle/pkg/community"
	"github.com/rekindle/rekindle/pkg/overlay"
	"github.com/rekindle/rekindle/pkg/queue"
	"github.com/rekindle/rekindle/pkg/record/schema"
	"github.com/rekindle/rekindle/pkg/storage"
)

// syncOnce runs one pass of the 30s sync loop: refresh every friend's
// cached presence and route, refresh every joined community's MEK and
// server route, and walk the pending-send retry queue.
func (l *Loop) syncOnce(ctx context.Context) error {
	l.syncFriends(ctx)
	l.syncCommunities(ctx)
	return l.walkQueue(ctx)
}

func (l *Loop) syncFriends(ctx context.Context) {
	friends, err := l.db.ListFriends()
	if err != nil {
		log.Printf("⚠️  syncloop: list friends: %v", err)
		return
	}

	for _, f := range friends {
		if f.ProfileKeyHex == "" {
			continue
		}
		key, err := recordKeyFromHex(f.ProfileKeyHex)
		if err != nil {
			log.Printf("⚠️  syncloop: friend %s has an invalid profile key: %v", f.AddressHex, err)
			continue
		}
		if err := l.records.OpenRecord(ctx, key); err != nil {
			log.Printf("⚠️  syncloop: open profile record for %s: %v", f.AddressHex, err)
			continue
		}
		l.syncFriendProfile(ctx, f, key)
	}
}

func (l *Loop) syncFriendProfile(ctx context.Context, f *storage.Friend, key overlay.RecordKey) {
	forceRefresh := l.isUnwatched(key)

	statusRaw, err := l.records.GetValue(ctx, key, schema.ProfileSubkeyStatus, forceRefresh)
	if err != nil {
		log.Printf("⚠️  syncloop: read status for %s: %v", f.AddressHex, err)
		return
	}
	statusMsgRaw, err := l.records.GetValue(ctx, key, schema.ProfileSubkeyStatusMsg, forceRefresh)
	if err != nil {
		log.Printf("⚠️  syncloop: read status message for %s: %v", f.AddressHex, err)
		return
	}
	if len(statusRaw) == 1 {
		if err := l.db.UpdateFriendPresence(f.AddressHex, statusRaw[0], string(statusMsgRaw)); err != nil {
			log.Printf("⚠️  syncloop: cache presence for %s: %v", f.AddressHex, err)
		}
	}

	routeRaw, err := l.records.GetValue(ctx, key, schema.ProfileSubkeyRoute, forceRefresh)
	if err != nil || len(routeRaw) == 0 {
		return
	}
	if string(routeRaw) == string(f.RouteBlob) {
		return
	}
	if _, err := l.records.ImportRoute(ctx, f.AddressHex, routeRaw); err != nil {
		log.Printf("⚠️  syncloop: import refreshed route for %s: %v", f.AddressHex, err)
		return
	}
	if err := l.db.UpdateFriendRoute(f.AddressHex, routeRaw); err != nil {
		log.Printf("⚠️  syncloop: cache route for %s: %v", f.AddressHex, err)
	}
}

func (l *Loop) syncCommunities(ctx context.Context) {
	communities, err := l.db.ListJoinedCommunities()
	if err != nil {
		log.Printf("⚠️  syncloop: list joined communities: %v", err)
		return
	}

	for _, c := range communities {
		if c.IsHosted {
			// The colocated server owns this community's record; the
			// client side has nothing to poll for its own copy.
			continue
		}
		key := overlay.RecordKey(c.CommunityID)
		if err := l.records.OpenRecord(ctx, key); err != nil {
			log.Printf("⚠️  syncloop: open community record %s: %v", c.CommunityID, err)
			continue
		}
		l.syncCommunityRecord(ctx, c, key)
	}
}

func (l *Loop) syncCommunityRecord(ctx context.Context, c *storage.JoinedCommunity, key overlay.RecordKey) {
	forceRefresh := l.isUnwatched(key)

	mekMetaRaw, err := l.records.GetValue(ctx, key, schema.CommunitySubkeyMEK, forceRefresh)
	if err != nil || len(mekMetaRaw) == 0 {
		return
	}
	meta, err := schema.DecodeMEKMeta(mekMetaRaw)
	if err != nil {
		log.Printf("⚠️  syncloop: decode MEK metadata for %s: %v", c.CommunityID, err)
		return
	}
	if uint64(meta.Generation) > c.MEKGeneration {
		l.refreshCommunityMEK(ctx, c, key)
	}

	routeRaw, err := l.records.GetValue(ctx, key, schema.CommunitySubkeyServerRoute, forceRefresh)
	if err == nil && len(routeRaw) > 0 {
		payload, err := schema.DecodeServerRoute(routeRaw)
		if err == nil && string(payload.RouteBlob) != string(c.ServerRouteBlob) {
			c.ServerRouteBlob = payload.RouteBlob
			if err := l.db.SaveJoinedCommunity(c); err != nil {
				log.Printf("⚠️  syncloop: cache server route for %s: %v", c.CommunityID, err)
			}
		}
	}
}

// refreshCommunityMEK asks the community's server for the current MEK
// via RequestMEK, since the DHT record only ever carries the generation
// counter, never the key material itself.
func (l *Loop) refreshCommunityMEK(ctx context.Context, c *storage.JoinedCommunity, key overlay.RecordKey) {
	req := &community.CommunityRequest{Type: community.ReqRequestMEK}
	resp, err := l.community.SendCommunityRPC(ctx, key, req)
	if err != nil {
		log.Printf("⚠️  syncloop: request MEK for %s: %v", c.CommunityID, err)
		return
	}
	if resp.Type != community.RespMEK {
		return
	}
	var payload struct {
		MEKEncrypted  []byte `json:"mekEncrypted"`
		MEKGeneration uint64 `json:"mekGeneration"`
	}
	if err := json.Unmarshal(resp.Data, &payload); err != nil {
		log.Printf("⚠️  syncloop: decode MEK response for %s: %v", c.CommunityID, err)
		return
	}
	if len(payload.MEKEncrypted) != 4+32 {
		log.Printf("⚠️  syncloop: malformed MEK payload for %s", c.CommunityID)
		return
	}
	var mek [32]byte
	copy(mek[:], payload.MEKEncrypted[4:])
	c.MEK = mek
	c.MEKGeneration = payload.MEKGeneration
	if err := l.db.SaveJoinedCommunity(c); err != nil {
		log.Printf("⚠️  syncloop: cache refreshed MEK for %s: %v", c.CommunityID, err)
		return
	}
	l.community.ApplyJoined(key, nil, mek, payload.MEKGeneration)
}

// walkQueue implements the four-step retry pass: drop expired rows,
// then for every remaining row either send a DM envelope via its
// cached route or a channel message via the community RPC path.
func (l *Loop) walkQueue(ctx context.Context) error {
	if err := l.sendQueue.DropExpired(); err != nil {
		return fmt.Errorf("syncloop: drop expired queue rows: %w", err)
	}

	rows, err := l.sendQueue.Rows()
	if err != nil {
		return fmt.Errorf("syncloop: list queue rows: %w", err)
	}

	for _, row := range rows {
		switch row.Kind {
		case queue.KindEnvelope:
			l.sendQueuedEnvelope(ctx, row)
		case queue.KindChannelMessage:
			l.sendQueuedChannelMessage(ctx, row)
		}
	}
	return nil
}

func (l *Loop) sendQueuedEnvelope(ctx context.Context, row queue.Row) {
	routeID, ok := l.records.CachedRoute(row.RecipientAddrHex)
	if !ok {
		l.bumpOrDrop(row.ID)
		return
	}
	if _, err := l.ov.AppCall(ctx, routeID, row.EnvelopeBytes); err != nil {
		l.bumpOrDrop(row.ID)
		return
	}
	if err := l.sendQueue.Delete(row.ID); err != nil {
		log.Printf("⚠️  syncloop: delete sent queue row %d: %v", row.ID, err)
	}
}

func (l *Loop) sendQueuedChannelMessage(ctx context.Context, row queue.Row) {
	key := overlay.RecordKey(row.CommunityID)
	req := &community.CommunityRequest{}
	req.Type = community.ReqSendMessage
	body, err := json.Marshal(struct {
		ChannelID     string `json:"channelId"`
		Ciphertext    []byte `json:"ciphertext"`
		MEKGeneration uint64 `json:"mekGeneration"`
	}{row.ChannelID, row.Ciphertext, row.MEKGeneration})
	if err != nil {
		log.Printf("⚠️  syncloop: marshal queued channel message %d: %v", row.ID, err)
		return
	}
	req.Data = body

	resp, err := l.community.SendCommunityRPC(ctx, key, req)
	if err != nil || resp.Type == community.RespError {
		l.bumpOrDrop(row.ID)
		return
	}
	if err := l.sendQueue.Delete(row.ID); err != nil {
		log.Printf("⚠️  syncloop: delete sent channel queue row %d: %v", row.ID, err)
	}
}

func (l *Loop) bumpOrDrop(rowID int64) {
	if err := l.sendQueue.IncrementAttempts(rowID); err != nil {
		log.Printf("⚠️  syncloop: increment retry count for row %d: %v", rowID, err)
	}
}

func (l *Loop) isUnwatched(key overlay.RecordKey) bool {
	for _, k := range l.records.UnwatchedKeys() {
		if k == key {
			return true
		}
	}
	return false
}

func recordKeyFromHex(s string) (overlay.RecordKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("syncloop: decode record key: %w", err)
	}
	return overlay.RecordKey(raw), nil
}
