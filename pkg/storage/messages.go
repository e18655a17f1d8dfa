package storage

import (
	"fmt"

	"github.com/rekindle/rekindle/pkg/crypto"
)

// CachedDirectMessage is one cached DM, the local read history the
// owner app's UI renders from between overlay fetches.
type CachedDirectMessage struct {
	ID          int64
	PeerAddrHex string
	MessageID   [16]byte
	Body        string
	IsOutgoing  bool
	SentAtMS    int64
}

// ===== DIRECT MESSAGE OPERATIONS =====

// SaveDirectMessage caches a decrypted DirectMessage payload.
func (d *DB) SaveDirectMessage(msg *CachedDirectMessage) error {
	encryptedBody, err := crypto.AESEncrypt([]byte(msg.Body), d.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt message body: %v", err)
	}

	result, err := d.db.Exec(
		`INSERT INTO direct_messages (peer_addr_hex, message_id, body, is_outgoing, sent_at_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.PeerAddrHex, msg.MessageID[:], encryptedBody, boolToInt(msg.IsOutgoing), msg.SentAtMS,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %v", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	msg.ID = id
	return nil
}

// GetDirectMessages retrieves the most recent cached messages with a
// peer, newest first.
func (d *DB) GetDirectMessages(peerAddrHex string, limit, offset int) ([]*CachedDirectMessage, error) {
	query := `
		SELECT id, peer_addr_hex, message_id, body, is_outgoing, sent_at_ms
		FROM direct_messages
		WHERE peer_addr_hex = ?
		ORDER BY sent_at_ms DESC
		LIMIT ? OFFSET ?
	`

	rows, err := d.db.Query(query, peerAddrHex, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CachedDirectMessage
	for rows.Next() {
		var msg CachedDirectMessage
		var messageID, encryptedBody []byte
		var isOutgoing int

		if err := rows.Scan(&msg.ID, &msg.PeerAddrHex, &messageID, &encryptedBody, &isOutgoing, &msg.SentAtMS); err != nil {
			return nil, err
		}

		msg.IsOutgoing = intToBool(isOutgoing)
		copy(msg.MessageID[:], messageID)

		body, err := crypto.AESDecrypt(encryptedBody, d.encryptionKey)
		if err != nil {
			continue // Skip messages that can't be decrypted
		}
		msg.Body = string(body)

		out = append(out, &msg)
	}
	return out, nil
}

// DeleteDirectMessagesWithPeer purges cached history with a peer, on
// Unfriended.
func (d *DB) DeleteDirectMessagesWithPeer(peerAddrHex string) error {
	_, err := d.db.Exec(`DELETE FROM direct_messages WHERE peer_addr_hex = ?`, peerAddrHex)
	return err
}

// CachedChannelMessage is one cached community channel message.
type CachedChannelMessage struct {
	ID                 int64
	CommunityID        string
	ChannelID          string
	SenderPseudonymHex string
	Ciphertext         []byte
	MEKGeneration      uint64
	SentAtMS           int64
}

// ===== CHANNEL MESSAGE OPERATIONS =====

// SaveChannelMessage caches a channel message as delivered by the
// community's server (ciphertext stays sealed under the community's
// MEK; this cache is a local read-history mirror, not a trust source).
func (d *DB) SaveChannelMessage(msg *CachedChannelMessage) error {
	result, err := d.db.Exec(
		`INSERT INTO channel_messages (community_id, channel_id, sender_pseudonym_hex, ciphertext, mek_generation, sent_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.CommunityID, msg.ChannelID, msg.SenderPseudonymHex, msg.Ciphertext, msg.MEKGeneration, msg.SentAtMS,
	)
	if err != nil {
		return fmt.Errorf("failed to save channel message: %v", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	msg.ID = id
	return nil
}

// GetChannelMessages retrieves the most recent cached messages in a
// channel, newest first.
func (d *DB) GetChannelMessages(communityID, channelID string, limit, offset int) ([]*CachedChannelMessage, error) {
	query := `
		SELECT id, community_id, channel_id, sender_pseudonym_hex, ciphertext, mek_generation, sent_at_ms
		FROM channel_messages
		WHERE community_id = ? AND channel_id = ?
		ORDER BY sent_at_ms DESC
		LIMIT ? OFFSET ?
	`

	rows, err := d.db.Query(query, communityID, channelID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CachedChannelMessage
	for rows.Next() {
		var msg CachedChannelMessage
		if err := rows.Scan(
			&msg.ID, &msg.CommunityID, &msg.ChannelID, &msg.SenderPseudonymHex,
			&msg.Ciphertext, &msg.MEKGeneration, &msg.SentAtMS,
		); err != nil {
			return nil, err
		}
		out = append(out, &msg)
	}
	return out, nil
}

// DeleteChannelMessages purges a channel's cached history, when a
// community is left.
func (d *DB) DeleteChannelMessages(communityID string) error {
	_, err := d.db.Exec(`DELETE FROM channel_messages WHERE community_id = ?`, communityID)
	return err
}
