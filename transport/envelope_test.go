package transport

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/vsrdb/vsr"
)

func TestWriteReadMessage_RoundTrip(t *testing.T) {
	pool := vsr.NewPool(2, 4096)
	m := pool.Get()
	m.Header.Command = vsr.CommandPrepare
	m.Header.ClientID = 7
	m.SetBody([]byte("hello"))

	var buf bytes.Buffer
	if err := WriteMessage(&buf, m); err != nil {
		t.Fatal(err)
	}
	m.Unref()

	got, err := ReadMessage(bufio.NewReader(&buf), pool)
	if err != nil {
		t.Fatal(err)
	}
	defer got.Unref()

	if got.Header.ClientID != 7 || string(got.Body) != "hello" {
		t.Fatalf("got header=%+v body=%q", got.Header, got.Body)
	}
}

func TestReadMessage_RejectsShortFrame(t *testing.T) {
	pool := vsr.NewPool(1, 4096)
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 4}) // claims a 4-byte frame, shorter than a header
	buf.Write([]byte{1, 2, 3, 4})

	if _, err := ReadMessage(bufio.NewReader(&buf), pool); err == nil {
		t.Fatal("expected error for undersized frame")
	}
}
