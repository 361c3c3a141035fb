package vsr_test

import (
	"testing"

	"github.com/vsrdb/vsr"
)

func TestHeader_RoundTrip(t *testing.T) {
	h := &vsr.Header{
		ClusterID:     1,
		ClientID:      42,
		RequestNumber: 7,
		View:          3,
		LogView:       3,
		Op:            100,
		Commit:        99,
		Timestamp:     1234,
		Release:       1,
		Replica:       2,
		Command:       vsr.CommandPrepare,
		Operation:     vsr.OperationStateMachine,
	}
	h.SetBody([]byte("payload"))

	buf, err := h.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != vsr.HeaderSize {
		t.Fatalf("got size %d, want %d", len(buf), vsr.HeaderSize)
	}
	if !vsr.ValidChecksum(buf) {
		t.Fatal("expected valid checksum")
	}

	var got vsr.Header
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatal(err)
	}
	if got != *h {
		t.Fatalf("got %+v, want %+v", got, *h)
	}
	if !got.Valid() {
		t.Fatal("expected header to validate")
	}
}

func TestHeader_TornWriteDetection(t *testing.T) {
	h := &vsr.Header{Command: vsr.CommandPrepare, Op: 5}
	h.SetBody([]byte("body"))
	buf, _ := h.MarshalBinary()

	// Simulate a torn write that zeroed the tail of the header.
	for i := 64; i < vsr.HeaderSize; i++ {
		buf[i] = 0
	}
	if vsr.ValidChecksum(buf) {
		t.Fatal("expected checksum to detect the torn header")
	}
}

func TestHeader_ValidBody(t *testing.T) {
	h := &vsr.Header{Command: vsr.CommandPrepare}
	body := []byte("the quick brown fox")
	h.SetBody(body)
	if !h.ValidBody(body) {
		t.Fatal("expected body to validate")
	}
	if h.ValidBody([]byte("tampered body!!!!!!")) {
		t.Fatal("expected tampered body to fail validation")
	}
}

func TestCommand_Valid(t *testing.T) {
	if vsr.CommandReserved.Valid() {
		t.Fatal("reserved must not be valid")
	}
	if !vsr.CommandPrepare.Valid() {
		t.Fatal("prepare must be valid")
	}
}
