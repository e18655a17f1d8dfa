package ipc

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	in := payload{Name: "alice", N: 7}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, in); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}

	var out payload
	if err := ReadFrame(&buf, &out); err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if out != in {
		t.Errorf("ReadFrame() = %+v, want %+v", out, in)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	// length prefix claiming more than MaxFrameSize, no body follows
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})

	var out json.RawMessage
	err := ReadFrame(&buf, &out)
	if err != ErrFrameTooLarge {
		t.Fatalf("ReadFrame() error = %v, want %v", err, ErrFrameTooLarge)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	huge := make([]byte, MaxFrameSize+1)
	var buf bytes.Buffer
	err := WriteFrame(&buf, huge)
	if err != ErrFrameTooLarge {
		t.Fatalf("WriteFrame() error = %v, want %v", err, ErrFrameTooLarge)
	}
}

func TestCommandDecode(t *testing.T) {
	cmd, err := NewCommand(CmdHostCommunity, HostCommunityCommand{
		CommunityID: "abc",
		Name:        "Test Community",
	})
	if err != nil {
		t.Fatalf("NewCommand() error = %v", err)
	}

	var out HostCommunityCommand
	if err := cmd.Decode(&out); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.CommunityID != "abc" || out.Name != "Test Community" {
		t.Errorf("Decode() = %+v", out)
	}
}

func TestCommandDecodeEmptyData(t *testing.T) {
	cmd := &Command{Type: CmdShutdown}
	var out struct{}
	if err := cmd.Decode(&out); err != nil {
		t.Errorf("Decode() on empty data error = %v, want nil", err)
	}
}

func TestMultipleFramesOnSameStream(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, "first"); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	if err := WriteFrame(&buf, "second"); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}

	var first, second string
	if err := ReadFrame(&buf, &first); err != nil {
		t.Fatalf("ReadFrame() first error = %v", err)
	}
	if err := ReadFrame(&buf, &second); err != nil {
		t.Fatalf("ReadFrame() second error = %v", err)
	}
	if first != "first" || second != "second" {
		t.Errorf("got %q, %q", first, second)
	}
}
