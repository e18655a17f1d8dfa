package syncloop

import (
	"context"
	"fmt"

	"github.com/rekindle/rekindle/pkg/record/schema"
)

// refreshRoute reallocates our private route well before the overlay's
// route TTL expires, then republishes the new blob to the subkeys that
// carry it: profile subkey 6 and the mailbox record. Friends and
// community servers pick it up on their next sync pass or via the
// watch they hold on our profile record.
func (l *Loop) refreshRoute(ctx context.Context) error {
	routeID, routeBlob, err := l.allocateRoute(ctx)
	if err != nil {
		return fmt.Errorf("syncloop: reallocate private route: %w", err)
	}

	l.mu.Lock()
	l.routeID = routeID
	l.routeBlob = routeBlob
	profileKey := l.profileKey
	mailboxKey := l.mailboxKey
	l.mu.Unlock()

	if profileKey != "" {
		if err := l.records.SetValue(ctx, profileKey, schema.ProfileSubkeyRoute, routeBlob); err != nil {
			return fmt.Errorf("syncloop: republish route to profile: %w", err)
		}
	}
	if mailboxKey != "" {
		if err := l.publishMailbox(ctx, mailboxKey, routeBlob); err != nil {
			return fmt.Errorf("syncloop: republish route to mailbox: %w", err)
		}
	}
	return nil
}
