package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// ===== JOINED COMMUNITY OPERATIONS (member side) =====

// JoinedCommunity is the cached per-community membership state a
// pkg/community/client.State is rehydrated from on restart.
type JoinedCommunity struct {
	CommunityID     string
	PseudonymHex    string
	RoleIDs         []uint32
	MEK             [32]byte
	MEKGeneration   uint64
	ServerRouteBlob []byte
	IsHosted        bool
	IPCSocketPath   string
	JoinedAt        int64
}

// SaveJoinedCommunity adds or updates a joined community's cached state.
func (d *DB) SaveJoinedCommunity(c *JoinedCommunity) error {
	encryptedMEK, err := encryptOptional(c.MEK[:], d.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt MEK: %v", err)
	}
	encryptedRoute, err := encryptOptional(c.ServerRouteBlob, d.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt server route: %v", err)
	}

	query := `
		INSERT INTO joined_communities (
			community_id, pseudonym_hex, role_ids, mek, mek_generation,
			server_route_blob, is_hosted, ipc_socket_path, joined_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(community_id) DO UPDATE SET
			role_ids = excluded.role_ids,
			mek = excluded.mek,
			mek_generation = excluded.mek_generation,
			server_route_blob = excluded.server_route_blob,
			is_hosted = excluded.is_hosted,
			ipc_socket_path = excluded.ipc_socket_path
	`

	_, err = d.db.Exec(
		query,
		c.CommunityID,
		c.PseudonymHex,
		encodeRoleIDs(c.RoleIDs),
		encryptedMEK,
		c.MEKGeneration,
		encryptedRoute,
		boolToInt(c.IsHosted),
		c.IPCSocketPath,
		c.JoinedAt,
	)
	return err
}

// ListJoinedCommunities retrieves every joined community, for the owner
// app to re-register with pkg/community/client on startup.
func (d *DB) ListJoinedCommunities() ([]*JoinedCommunity, error) {
	query := `
		SELECT community_id, pseudonym_hex, role_ids, mek, mek_generation,
		       server_route_blob, is_hosted, ipc_socket_path, joined_at
		FROM joined_communities
	`
	rows, err := d.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*JoinedCommunity
	for rows.Next() {
		var c JoinedCommunity
		var roleIDs string
		var encryptedMEK, encryptedRoute []byte
		var isHosted int

		if err := rows.Scan(
			&c.CommunityID, &c.PseudonymHex, &roleIDs, &encryptedMEK, &c.MEKGeneration,
			&encryptedRoute, &isHosted, &c.IPCSocketPath, &c.JoinedAt,
		); err != nil {
			return nil, err
		}

		c.RoleIDs = decodeRoleIDs(roleIDs)
		c.IsHosted = intToBool(isHosted)

		mek, err := decryptOptional(encryptedMEK, d.encryptionKey)
		if err != nil {
			continue // Skip entries whose MEK can't be decrypted
		}
		copy(c.MEK[:], mek)

		if c.ServerRouteBlob, err = decryptOptional(encryptedRoute, d.encryptionKey); err != nil {
			continue
		}

		out = append(out, &c)
	}
	return out, nil
}

// LeaveCommunity removes a joined community's cached state.
func (d *DB) LeaveCommunity(communityID string) error {
	_, err := d.db.Exec(`DELETE FROM joined_communities WHERE community_id = ?`, communityID)
	return err
}

func encodeRoleIDs(ids []uint32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}

func decodeRoleIDs(s string) []uint32 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ids := make([]uint32, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(n))
	}
	return ids
}

// ===== HOSTED COMMUNITY OPERATIONS (colocated server side) =====

// SaveHostedCommunitySnapshot persists an opaque JSON snapshot of a
// HostedCommunity so the community server can reload it on restart,
// per the startup sequence's "load all hosted communities from local
// store" step. Callers marshal from pkg/community.HostedCommunity. The
// snapshot carries the community's owner private key in the clear, so
// it's encrypted at rest the same way friends.go encrypts route blobs
// and messages.go encrypts bodies.
func (d *DB) SaveHostedCommunitySnapshot(communityID string, snapshot []byte, updatedAt int64) error {
	encrypted, err := encryptOptional(snapshot, d.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt hosted community snapshot: %v", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO hosted_communities (community_id, snapshot, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(community_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		communityID, encrypted, updatedAt,
	)
	return err
}

// ListHostedCommunitySnapshots retrieves every hosted community's
// decrypted snapshot bytes, for the caller to json.Unmarshal into
// HostedCommunity.
func (d *DB) ListHostedCommunitySnapshots() (map[string][]byte, error) {
	rows, err := d.db.Query(`SELECT community_id, snapshot FROM hosted_communities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var id string
		var encrypted []byte
		if err := rows.Scan(&id, &encrypted); err != nil {
			return nil, err
		}
		snapshot, err := decryptOptional(encrypted, d.encryptionKey)
		if err != nil {
			continue // Skip entries whose snapshot can't be decrypted
		}
		out[id] = snapshot
	}
	return out, nil
}

// DeleteHostedCommunitySnapshot removes a hosted community's persisted
// snapshot, e.g. when the server stops hosting it.
func (d *DB) DeleteHostedCommunitySnapshot(communityID string) error {
	_, err := d.db.Exec(`DELETE FROM hosted_communities WHERE community_id = ?`, communityID)
	return err
}

