package syncloop

import (
	"context"
	"fmt"
	"time"

	"github.com/rekindle/rekindle/pkg/overlay"
	"github.com/rekindle/rekindle/pkg/record/schema"
	"github.com/rekindle/rekindle/pkg/secureChannel"
)

const (
	attachmentMaxWait  = 60 * time.Second
	attachmentSettling = 5 * time.Second
	routeAllocRetries  = 15
	routeAllocDelay    = 3 * time.Second
)

// recordNameProfile and friends name the rows of the local named-record
// cache. They are not published anywhere; they only let Login reopen the
// same overlay records across a restart.
const (
	recordNameProfile    = "profile"
	recordNameFriendList = "friendlist"
	recordNameMailbox    = "mailbox"
	recordNameAccount    = "account"
)

// Login runs the one-time, per-session DHT publish sequence: wait for
// the overlay to report public-internet readiness, allocate our private
// route, open (or reopen) the profile/friend-list/mailbox/account
// records, and publish display name, status, prekey bundle, and route
// blob. bundle is this session's freshly generated prekey bundle; its
// private halves must already be persisted by the caller via
// pkg/storage before this is called, since publishing it here makes it
// discoverable immediately.
func (l *Loop) Login(ctx context.Context, bundle *secureChannel.PreKeyBundle, friendKeys [][32]byte) error {
	if err := l.waitForAttachment(ctx); err != nil {
		return err
	}

	select {
	case <-time.After(attachmentSettling):
	case <-ctx.Done():
		return ctx.Err()
	}

	routeID, routeBlob, err := l.allocateRoute(ctx)
	if err != nil {
		return fmt.Errorf("syncloop: allocate private route: %w", err)
	}
	l.mu.Lock()
	l.routeID = routeID
	l.routeBlob = routeBlob
	l.mu.Unlock()

	profileKey, err := l.ensureOwnedRecord(ctx, recordNameProfile, schema.ProfileSubkeyCount)
	if err != nil {
		return err
	}
	friendsKey, err := l.ensureOwnedRecord(ctx, recordNameFriendList, 1)
	if err != nil {
		return err
	}
	mailboxKey, err := l.ensureOwnedRecord(ctx, recordNameMailbox, 1)
	if err != nil {
		return err
	}
	accountKey, err := l.ensureOwnedRecord(ctx, recordNameAccount, 1)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.profileKey, l.friendsKey, l.mailboxKey, l.accountKey = profileKey, friendsKey, mailboxKey, accountKey
	l.mu.Unlock()

	if err := l.publishProfile(ctx, profileKey, bundle, routeBlob); err != nil {
		return err
	}
	if err := l.publishFriendList(ctx, friendsKey, friendKeys); err != nil {
		return err
	}
	if err := l.publishMailbox(ctx, mailboxKey, routeBlob); err != nil {
		return err
	}

	return nil
}

func (l *Loop) waitForAttachment(ctx context.Context) error {
	deadline := time.After(attachmentMaxWait)
	for {
		select {
		case evt, ok := <-l.ov.Events():
			if !ok {
				return fmt.Errorf("syncloop: overlay event channel closed before attaching")
			}
			if evt.Attachment != nil && evt.Attachment.Status == overlay.AttachmentStatePublicInternetReady {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("syncloop: overlay did not reach public-internet-ready within %s", attachmentMaxWait)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Loop) allocateRoute(ctx context.Context) (overlay.RouteID, []byte, error) {
	var lastErr error
	for attempt := 0; attempt < routeAllocRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(routeAllocDelay):
			case <-ctx.Done():
				return "", nil, ctx.Err()
			}
		}
		id, blob, err := l.ov.NewPrivateRoute(ctx)
		if err == nil {
			return id, blob, nil
		}
		lastErr = err
	}
	return "", nil, fmt.Errorf("syncloop: exhausted %d route allocation attempts: %w", routeAllocRetries, lastErr)
}

// ensureOwnedRecord reopens name's record if a previous session created
// one, or creates a fresh one otherwise. The overlay interface has no
// caller-supplied-owner creation primitive, so unlike the mailbox
// record's real-world permanence (deterministic from the identity's own
// keypair), Rekindle's mailbox key is only as durable as this local
// cache — documented as an open-question resolution.
func (l *Loop) ensureOwnedRecord(ctx context.Context, name string, subkeyCount uint32) (overlay.RecordKey, error) {
	if key, ok, err := l.names.get(name); err != nil {
		return "", err
	} else if ok {
		owner, found, err := l.records.LoadOwner(key)
		if err != nil {
			return "", err
		}
		if found {
			if err := l.records.OpenRecordWritable(ctx, key, owner); err != nil {
				return "", fmt.Errorf("syncloop: reopen %s record: %w", name, err)
			}
			return key, nil
		}
	}

	key, _, err := l.records.CreateRecord(ctx, subkeyCount)
	if err != nil {
		return "", fmt.Errorf("syncloop: create %s record: %w", name, err)
	}
	if err := l.names.set(name, key); err != nil {
		return "", err
	}
	return key, nil
}

func (l *Loop) publishProfile(ctx context.Context, key overlay.RecordKey, bundle *secureChannel.PreKeyBundle, routeBlob []byte) error {
	l.mu.RLock()
	name, statusMsg, status := l.displayName, l.statusMsg, l.status
	l.mu.RUnlock()

	if err := l.records.SetValue(ctx, key, schema.ProfileSubkeyName, []byte(name)); err != nil {
		return fmt.Errorf("syncloop: publish display name: %w", err)
	}
	if err := l.records.SetValue(ctx, key, schema.ProfileSubkeyStatusMsg, []byte(statusMsg)); err != nil {
		return fmt.Errorf("syncloop: publish status message: %w", err)
	}
	if err := l.records.SetValue(ctx, key, schema.ProfileSubkeyStatus, []byte{byte(status)}); err != nil {
		return fmt.Errorf("syncloop: publish status: %w", err)
	}
	if err := l.records.SetValue(ctx, key, schema.ProfileSubkeyPreKey, encodePreKeyBundle(bundle).Encode()); err != nil {
		return fmt.Errorf("syncloop: publish prekey bundle: %w", err)
	}
	if err := l.records.SetValue(ctx, key, schema.ProfileSubkeyRoute, routeBlob); err != nil {
		return fmt.Errorf("syncloop: publish route blob to profile: %w", err)
	}
	return nil
}

func (l *Loop) publishFriendList(ctx context.Context, key overlay.RecordKey, friendKeys [][32]byte) error {
	payload := &schema.FriendListPayload{FriendKeys: friendKeys}
	if err := l.records.SetValue(ctx, key, 0, payload.Encode()); err != nil {
		return fmt.Errorf("syncloop: publish friend list: %w", err)
	}
	return nil
}

func (l *Loop) publishMailbox(ctx context.Context, key overlay.RecordKey, routeBlob []byte) error {
	payload := &schema.MailboxPayload{RouteBlob: routeBlob}
	if err := l.records.SetValue(ctx, key, 0, payload.Encode()); err != nil {
		return fmt.Errorf("syncloop: publish mailbox route: %w", err)
	}
	return nil
}

func encodePreKeyBundle(bundle *secureChannel.PreKeyBundle) *schema.PreKeyBundlePayload {
	payload := &schema.PreKeyBundlePayload{
		IdentityKey:     bundle.IdentityKey,
		SignedPreKeyID:  bundle.SignedPreKey.KeyID,
		SignedPreKey:    bundle.SignedPreKey.PublicKey,
		SignedPreKeySig: bundle.SignedPreKey.Signature,
	}
	if bundle.OneTimePreKey != nil {
		id := bundle.OneTimePreKey.KeyID
		key := bundle.OneTimePreKey.PublicKey
		payload.OneTimePreKeyID = &id
		payload.OneTimePreKey = &key
	}
	return payload
}
