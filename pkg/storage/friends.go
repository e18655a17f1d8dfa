package storage

import (
	"database/sql"
	"fmt"

	"github.com/rekindle/rekindle/pkg/crypto"
)

// Friend is one entry in the local identity's friend list, enriched
// with the cached profile state the sync loop keeps warm.
type Friend struct {
	AddressHex    string
	DisplayName   string
	ProfileKeyHex string
	RouteBlob     []byte
	Status        uint8
	StatusMsg     string
	Blocked       bool
	AddedAt       int64
}

// ===== FRIEND OPERATIONS =====

// SaveFriend adds or updates a friend.
func (d *DB) SaveFriend(f *Friend) error {
	encryptedRoute, err := encryptOptional(f.RouteBlob, d.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt route blob: %v", err)
	}

	query := `
		INSERT INTO friends (
			address_hex, display_name, profile_key_hex, route_blob,
			status, status_msg, blocked, added_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address_hex) DO UPDATE SET
			display_name = excluded.display_name,
			profile_key_hex = excluded.profile_key_hex,
			route_blob = excluded.route_blob,
			status = excluded.status,
			status_msg = excluded.status_msg,
			blocked = excluded.blocked
	`

	_, err = d.db.Exec(
		query,
		f.AddressHex,
		f.DisplayName,
		f.ProfileKeyHex,
		encryptedRoute,
		f.Status,
		f.StatusMsg,
		boolToInt(f.Blocked),
		f.AddedAt,
	)

	return err
}

// GetFriend retrieves a friend by address.
func (d *DB) GetFriend(addressHex string) (*Friend, error) {
	query := `
		SELECT address_hex, display_name, profile_key_hex, route_blob,
		       status, status_msg, blocked, added_at
		FROM friends WHERE address_hex = ?
	`

	row := d.db.QueryRow(query, addressHex)

	var f Friend
	var encryptedRoute []byte
	var blocked int

	err := row.Scan(
		&f.AddressHex,
		&f.DisplayName,
		&f.ProfileKeyHex,
		&encryptedRoute,
		&f.Status,
		&f.StatusMsg,
		&blocked,
		&f.AddedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	f.Blocked = intToBool(blocked)

	if f.RouteBlob, err = decryptOptional(encryptedRoute, d.encryptionKey); err != nil {
		return nil, fmt.Errorf("failed to decrypt route blob: %v", err)
	}

	return &f, nil
}

// ListFriends retrieves every friend, ordered by display name.
func (d *DB) ListFriends() ([]*Friend, error) {
	query := `
		SELECT address_hex, display_name, profile_key_hex, route_blob,
		       status, status_msg, blocked, added_at
		FROM friends
		ORDER BY display_name ASC
	`

	rows, err := d.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var friends []*Friend

	for rows.Next() {
		var f Friend
		var encryptedRoute []byte
		var blocked int

		err := rows.Scan(
			&f.AddressHex,
			&f.DisplayName,
			&f.ProfileKeyHex,
			&encryptedRoute,
			&f.Status,
			&f.StatusMsg,
			&blocked,
			&f.AddedAt,
		)
		if err != nil {
			return nil, err
		}

		f.Blocked = intToBool(blocked)

		if f.RouteBlob, err = decryptOptional(encryptedRoute, d.encryptionKey); err != nil {
			continue // Skip friends whose cached route can't be decrypted
		}

		friends = append(friends, &f)
	}

	return friends, nil
}

// DeleteFriend removes a friend, for an Unfriended notification either
// sent or received.
func (d *DB) DeleteFriend(addressHex string) error {
	query := `DELETE FROM friends WHERE address_hex = ?`
	_, err := d.db.Exec(query, addressHex)
	return err
}

// SetFriendBlocked updates a friend's blocked flag.
func (d *DB) SetFriendBlocked(addressHex string, blocked bool) error {
	query := `UPDATE friends SET blocked = ? WHERE address_hex = ?`
	_, err := d.db.Exec(query, boolToInt(blocked), addressHex)
	return err
}

// UpdateFriendRoute caches a freshly-fetched route blob for addressHex,
// called by the sync loop after a profile record read.
func (d *DB) UpdateFriendRoute(addressHex string, routeBlob []byte) error {
	encrypted, err := encryptOptional(routeBlob, d.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt route blob: %v", err)
	}
	query := `UPDATE friends SET route_blob = ? WHERE address_hex = ?`
	_, err = d.db.Exec(query, encrypted, addressHex)
	return err
}

// UpdateFriendPresence updates a friend's cached status, called by the
// sync loop after a profile record read or an inbound PresenceUpdate.
func (d *DB) UpdateFriendPresence(addressHex string, status uint8, statusMsg string) error {
	query := `UPDATE friends SET status = ?, status_msg = ? WHERE address_hex = ?`
	_, err := d.db.Exec(query, status, statusMsg, addressHex)
	return err
}

func encryptOptional(plaintext, key []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	return crypto.AESEncrypt(plaintext, key)
}

func decryptOptional(ciphertext, key []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, nil
	}
	return crypto.AESDecrypt(ciphertext, key)
}
