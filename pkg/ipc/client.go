package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
)

// Call dials the socket at path, sends one command, reads the single
// reply frame, and closes the connection. Used by the owner app's
// community client for its IPC fast path when a community is hosted
// on this same machine.
func Call(ctx context.Context, path string, t CommandType, data interface{}, out interface{}) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("ipc: dial %s: %w", path, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	cmd, err := NewCommand(t, data)
	if err != nil {
		return err
	}
	if err := WriteFrame(conn, cmd); err != nil {
		return err
	}

	var raw json.RawMessage
	if err := ReadFrame(conn, &raw); err != nil {
		return err
	}
	var errFrame ipcErrorFrame
	if err := json.Unmarshal(raw, &errFrame); err == nil && errFrame.Error != "" {
		return fmt.Errorf("ipc: server error: %s", errFrame.Error)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// CallCommunityRpc is a typed wrapper around Call for the CommunityRpc
// command, the hot path used on every member request to a
// same-host-hosted community.
func CallCommunityRpc(ctx context.Context, path string, cmd CommunityRpcCommand) (CommunityRpcResult, error) {
	var result CommunityRpcResult
	err := Call(ctx, path, CmdCommunityRpc, cmd, &result)
	return result, err
}
