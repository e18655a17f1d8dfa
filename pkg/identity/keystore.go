package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrIdentityNotFound = errors.New("identity: not found in keystore")

// keystoreEntry is the on-disk JSON representation of one stored identity.
// The private key is hex-encoded at rest; per SPEC_FULL.md's Non-goals,
// at-rest encryption beyond filesystem permissions is out of scope.
type keystoreEntry struct {
	Label      string `json:"label"`
	PrivateKey string `json:"private_key"`
}

// Keystore is a directory-backed store of named identities, one JSON file
// (<label>.json) per identity. There is no index file and no record of an
// active identity.
type Keystore struct {
	dir string
}

// NewKeystore opens (creating if necessary) a keystore rooted at dir.
func NewKeystore(dir string) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("identity: create keystore dir: %w", err)
	}
	return &Keystore{dir: dir}, nil
}

func (k *Keystore) path(label string) string {
	return filepath.Join(k.dir, label+".json")
}

// Save persists an identity under label, overwriting any existing entry.
func (k *Keystore) Save(label string, id *Identity) error {
	entry := keystoreEntry{
		Label:      label,
		PrivateKey: hex.EncodeToString(id.Private),
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal keystore entry: %w", err)
	}
	if err := os.WriteFile(k.path(label), data, 0600); err != nil {
		return fmt.Errorf("identity: write keystore entry: %w", err)
	}
	return nil
}

// Load reads the identity stored under label.
func (k *Keystore) Load(label string) (*Identity, error) {
	data, err := os.ReadFile(k.path(label))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("identity: read keystore entry: %w", err)
	}

	var entry keystoreEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("identity: parse keystore entry: %w", err)
	}

	raw, err := hex.DecodeString(entry.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("identity: decode private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, ErrInvalidSeed
	}

	return FromPrivateKey(ed25519.PrivateKey(raw))
}

// List returns the labels of every identity stored in the keystore.
func (k *Keystore) List() ([]string, error) {
	entries, err := os.ReadDir(k.dir)
	if err != nil {
		return nil, fmt.Errorf("identity: list keystore dir: %w", err)
	}
	var labels []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".json"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			labels = append(labels, name[:len(name)-len(suffix)])
		}
	}
	return labels, nil
}

// LoadOrCreate loads the identity stored under label, generating and
// persisting a new one if none exists yet.
func (k *Keystore) LoadOrCreate(label string) (*Identity, error) {
	id, err := k.Load(label)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrIdentityNotFound) {
		return nil, err
	}

	id, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := k.Save(label, id); err != nil {
		return nil, err
	}
	return id, nil
}
