package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rekindle/rekindle/pkg/community"
	"github.com/rekindle/rekindle/pkg/ipc"
	"github.com/rekindle/rekindle/pkg/overlay"
	"github.com/rekindle/rekindle/pkg/storage"
)

// serverHandler implements ipc.Handler on top of a *community.Host,
// bridging the owner app's same-host commands to the host's exported
// operations.
type serverHandler struct {
	host  *community.Host
	store *storage.DB
}

// HostCommunity brings a community the owner app just created (or
// decided to colocate-host) under this process's management: it builds
// the initial HostedCommunity state, registers it with the host, and
// persists a snapshot immediately so a crash right after doesn't lose
// the fact that this community is ours to host.
func (h *serverHandler) HostCommunity(ctx context.Context, cmd ipc.HostCommunityCommand) error {
	if _, hosted := h.host.Server().Community(overlay.RecordKey(cmd.DHTRecordKey)); hosted {
		return nil
	}
	ownerPub, err := hex.DecodeString(cmd.OwnerPublicHex)
	if err != nil || len(ownerPub) != 32 {
		return fmt.Errorf("host community: decode owner public key: %w", err)
	}
	ownerPriv, err := hex.DecodeString(cmd.OwnerPrivateHex)
	if err != nil || len(ownerPriv) != 64 {
		return fmt.Errorf("host community: decode owner private key: %w", err)
	}
	owner := &overlay.OwnerKeypair{}
	copy(owner.Public[:], ownerPub)
	copy(owner.Private[:], ownerPriv)

	hc := community.NewHostedCommunity(overlay.RecordKey(cmd.DHTRecordKey), owner, cmd.Name, cmd.CreatorPseudonym, cmd.CreatorDisplayName)
	h.host.AddCommunity(ctx, hc)

	data, err := hc.Snapshot()
	if err != nil {
		return fmt.Errorf("host community: snapshot %s: %w", cmd.CommunityID, err)
	}
	if err := h.store.SaveHostedCommunitySnapshot(cmd.CommunityID, data, time.Now().Unix()); err != nil {
		return fmt.Errorf("host community: persist snapshot for %s: %w", cmd.CommunityID, err)
	}
	return nil
}

// CommunityRpc forwards a CommunityRequest arriving over the IPC
// socket to the host's dispatcher, bypassing the envelope signature
// check the overlay transport path requires — same-uid access to the
// socket is this path's authentication.
func (h *serverHandler) CommunityRpc(ctx context.Context, cmd ipc.CommunityRpcCommand) (ipc.CommunityRpcResult, error) {
	var req community.CommunityRequest
	if err := json.Unmarshal(cmd.RequestJSON, &req); err != nil {
		return ipc.CommunityRpcResult{}, fmt.Errorf("community rpc: decode request: %w", err)
	}

	resp := h.host.Server().HandleRequest(ctx, overlay.RecordKey(cmd.CommunityID), cmd.SenderPseudonym, &req)

	raw, err := json.Marshal(resp)
	if err != nil {
		return ipc.CommunityRpcResult{}, fmt.Errorf("community rpc: encode response: %w", err)
	}
	return ipc.CommunityRpcResult{ResponseJSON: raw}, nil
}

// Shutdown persists every hosted community's current state. The process
// still exits through waitForShutdown's own sequence; this is what the
// owner app's explicit Shutdown IPC command triggers ahead of that.
func (h *serverHandler) Shutdown(ctx context.Context) {
	persistSnapshots(h.host, h.store)
}
