// Package ipc implements the same-host protocol between an identity's
// owner app and its colocated community-hosting server: a Unix-domain
// stream of length-prefixed JSON frames. The Unix-socket same-uid
// restriction is the sole authenticator — there is no handshake.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame so a corrupt or malicious length
// prefix can't make a reader allocate unbounded memory.
const MaxFrameSize = 16 * 1024 * 1024

var (
	ErrFrameTooLarge = errors.New("ipc: frame exceeds MaxFrameSize")
	ErrUnknownCommand = errors.New("ipc: unknown command type")
)

// CommandType tags a Command's Data payload.
type CommandType string

const (
	CmdHostCommunity CommandType = "HostCommunity"
	CmdCommunityRpc  CommandType = "CommunityRpc"
	CmdShutdown      CommandType = "Shutdown"
)

// Command is the tagged envelope sent app -> server.
type Command struct {
	Type CommandType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals Data into out. A Shutdown command carries no data.
func (c *Command) Decode(out interface{}) error {
	if len(c.Data) == 0 {
		return nil
	}
	return json.Unmarshal(c.Data, out)
}

// NewCommand builds a tagged Command wrapping data.
func NewCommand(t CommandType, data interface{}) (*Command, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("ipc: marshal command %s: %w", t, err)
	}
	return &Command{Type: t, Data: raw}, nil
}

// HostCommunityCommand asks the server to bring a community it has the
// owner keypair for under management. Idempotent: the server retries
// with backoff if its overlay handle isn't attached yet.
type HostCommunityCommand struct {
	CommunityID         string `json:"communityId"`
	DHTRecordKey        string `json:"dhtRecordKey"`
	OwnerPublicHex      string `json:"ownerPublicHex"`
	OwnerPrivateHex     string `json:"ownerPrivateHex"`
	Name                string `json:"name"`
	CreatorPseudonym    string `json:"creatorPseudonym"`
	CreatorDisplayName  string `json:"creatorDisplayName"`
}

// CommunityRpcCommand forwards a CommunityRequest to the server,
// bypassing envelope signature verification — the Unix-socket same-uid
// restriction is the authenticator for this path.
type CommunityRpcCommand struct {
	CommunityID      string          `json:"communityId"`
	SenderPseudonym  string          `json:"senderPseudonym"`
	RequestJSON      json.RawMessage `json:"requestJson"`
}

// CommunityRpcResult is the server's reply to a CommunityRpc command.
type CommunityRpcResult struct {
	ResponseJSON json.RawMessage `json:"responseJson"`
}

// WriteFrame writes a 4-byte big-endian length prefix followed by the
// JSON encoding of v.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: marshal frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("ipc: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("ipc: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame and unmarshals it
// into v.
func ReadFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return fmt.Errorf("ipc: read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("ipc: read payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("ipc: unmarshal frame: %w", err)
	}
	return nil
}
