package syncloop

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/rekindle/rekindle/pkg/envelope"
	"github.com/rekindle/rekindle/pkg/record/schema"
)

// SetStatus pushes a new presence status (and optional status message)
// straight to profile subkeys 2 and 1, outside the 30s sync cadence.
// Friends watching our profile record see the change immediately
// instead of waiting for their own next poll.
func (l *Loop) SetStatus(ctx context.Context, status schema.PresenceStatus, msg string) error {
	l.mu.Lock()
	l.status = status
	l.statusMsg = msg
	key := l.profileKey
	l.mu.Unlock()

	if key == "" {
		return fmt.Errorf("syncloop: set status before login published a profile record")
	}
	if err := l.records.SetValue(ctx, key, schema.ProfileSubkeyStatus, []byte{byte(status)}); err != nil {
		return fmt.Errorf("syncloop: publish status: %w", err)
	}
	if err := l.records.SetValue(ctx, key, schema.ProfileSubkeyStatusMsg, []byte(msg)); err != nil {
		return fmt.Errorf("syncloop: publish status message: %w", err)
	}
	return nil
}

// HandleProfileKeyRotated updates a friend's recorded profile DHT key
// after receiving a ProfileKeyRotated payload from them, then drops the
// stale key from the watch set so the next sync pass picks up the new
// one fresh instead of polling a record that will never change again.
func (l *Loop) HandleProfileKeyRotated(friendAddrHex string, rotated *envelope.ProfileKeyRotated) error {
	f, err := l.db.GetFriend(friendAddrHex)
	if err != nil {
		return fmt.Errorf("syncloop: look up friend %s for key rotation: %w", friendAddrHex, err)
	}

	if oldKey, err := recordKeyFromHex(f.ProfileKeyHex); err == nil && f.ProfileKeyHex != "" {
		_ = l.records.CloseRecord(context.Background(), oldKey)
	}

	newKey := hex.EncodeToString(rotated.NewProfileDHTKey[:])
	f.ProfileKeyHex = newKey
	f.RouteBlob = nil
	if err := l.db.SaveFriend(f); err != nil {
		return fmt.Errorf("syncloop: save rotated profile key for %s: %w", friendAddrHex, err)
	}
	return nil
}
