package storage

import (
	"database/sql"
	"fmt"

	"github.com/rekindle/rekindle/pkg/crypto"
	"github.com/rekindle/rekindle/pkg/secureChannel"
)

// DB satisfies secureChannel.SessionStore and secureChannel.PreKeyStore,
// persisting ratchet state and prekey private material encrypted at
// rest under the same key used for every other sensitive column.

// LoadSession implements secureChannel.SessionStore.
func (d *DB) LoadSession(peerAddr string) ([]byte, bool, error) {
	var encrypted []byte
	err := d.db.QueryRow(`SELECT ratchet_data FROM secure_sessions WHERE peer_addr_hex = ?`, peerAddr).Scan(&encrypted)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	data, err := crypto.AESDecrypt(encrypted, d.encryptionKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decrypt session: %v", err)
	}
	return data, true, nil
}

// StoreSession implements secureChannel.SessionStore.
func (d *DB) StoreSession(peerAddr string, data []byte) error {
	encrypted, err := crypto.AESEncrypt(data, d.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt session: %v", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO secure_sessions (peer_addr_hex, ratchet_data) VALUES (?, ?)
		 ON CONFLICT(peer_addr_hex) DO UPDATE SET ratchet_data = excluded.ratchet_data`,
		peerAddr, encrypted,
	)
	return err
}

// HasSession implements secureChannel.SessionStore.
func (d *DB) HasSession(peerAddr string) (bool, error) {
	var count int
	err := d.db.QueryRow(`SELECT COUNT(1) FROM secure_sessions WHERE peer_addr_hex = ?`, peerAddr).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// DeleteSession removes a peer's ratchet state, on Unfriended or reject.
func (d *DB) DeleteSession(peerAddr string) error {
	_, err := d.db.Exec(`DELETE FROM secure_sessions WHERE peer_addr_hex = ?`, peerAddr)
	return err
}

// StoreSignedPreKey implements secureChannel.PreKeyStore.
func (d *DB) StoreSignedPreKey(spk *secureChannel.SignedPreKeyPrivate) error {
	encryptedPriv, err := crypto.AESEncrypt(spk.Private[:], d.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt signed prekey: %v", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO signed_prekeys (key_id, private_key, public_key, signature, timestamp) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key_id) DO UPDATE SET private_key = excluded.private_key, public_key = excluded.public_key,
		 signature = excluded.signature, timestamp = excluded.timestamp`,
		spk.KeyID, encryptedPriv, spk.PublicKey[:], spk.Signature[:], spk.Timestamp,
	)
	return err
}

// LoadSignedPreKey implements secureChannel.PreKeyStore.
func (d *DB) LoadSignedPreKey(keyID uint32) (*secureChannel.SignedPreKeyPrivate, bool, error) {
	var encryptedPriv, pub, sig []byte
	var timestamp int64
	err := d.db.QueryRow(
		`SELECT private_key, public_key, signature, timestamp FROM signed_prekeys WHERE key_id = ?`, keyID,
	).Scan(&encryptedPriv, &pub, &sig, &timestamp)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	priv, err := crypto.AESDecrypt(encryptedPriv, d.encryptionKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decrypt signed prekey: %v", err)
	}

	spk := &secureChannel.SignedPreKeyPrivate{KeyID: keyID, Timestamp: timestamp}
	copy(spk.Private[:], priv)
	copy(spk.PublicKey[:], pub)
	copy(spk.Signature[:], sig)
	return spk, true, nil
}

// StoreOneTimePreKey implements secureChannel.PreKeyStore.
func (d *DB) StoreOneTimePreKey(otpk *secureChannel.OneTimePreKeyPrivate) error {
	encryptedPriv, err := crypto.AESEncrypt(otpk.Private[:], d.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt one-time prekey: %v", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO one_time_prekeys (key_id, private_key, public_key) VALUES (?, ?, ?)`,
		otpk.KeyID, encryptedPriv, otpk.Public[:],
	)
	return err
}

// LoadOneTimePreKey implements secureChannel.PreKeyStore.
func (d *DB) LoadOneTimePreKey(keyID uint32) (*secureChannel.OneTimePreKeyPrivate, bool, error) {
	var encryptedPriv, pub []byte
	err := d.db.QueryRow(
		`SELECT private_key, public_key FROM one_time_prekeys WHERE key_id = ?`, keyID,
	).Scan(&encryptedPriv, &pub)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	priv, err := crypto.AESDecrypt(encryptedPriv, d.encryptionKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decrypt one-time prekey: %v", err)
	}

	otpk := &secureChannel.OneTimePreKeyPrivate{KeyID: keyID}
	copy(otpk.Private[:], priv)
	copy(otpk.Public[:], pub)
	return otpk, true, nil
}

// RemoveOneTimePreKey implements secureChannel.PreKeyStore, consuming a
// one-time prekey after it's used to respond to X3DH.
func (d *DB) RemoveOneTimePreKey(keyID uint32) error {
	_, err := d.db.Exec(`DELETE FROM one_time_prekeys WHERE key_id = ?`, keyID)
	return err
}

