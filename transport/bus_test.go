package transport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vsrdb/vsr"
	"github.com/vsrdb/vsr/transport"
)

type recordingHandler struct {
	mu     sync.Mutex
	bodies []string
	ch     chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{ch: make(chan struct{}, 8)}
}

func (h *recordingHandler) HandleMessage(replicaID uint8, m *vsr.Message) {
	h.mu.Lock()
	h.bodies = append(h.bodies, string(m.Body))
	h.mu.Unlock()
	h.ch <- struct{}{}
}

func (h *recordingHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestBus_SendDeliversToPeerHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolA := vsr.NewPool(4, 4096)
	poolB := vsr.NewPool(4, 4096)
	handlerB := newRecordingHandler()

	busB := transport.NewBus(2, nil, poolB, handlerB, vsr.SystemClock{})
	if err := busB.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	go busB.Serve(ctx)

	busA := transport.NewBus(1, map[uint8]string{2: busB.Addr().String()}, poolA, newRecordingHandler(), vsr.SystemClock{})
	busA.Connect(ctx)

	deadline := time.After(5 * time.Second)
	for !busA.Connected(2) {
		select {
		case <-deadline:
			t.Fatal("bus A never connected to bus B")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	m := poolA.Get()
	m.Header.Command = vsr.CommandPing
	m.Header.Replica = 1
	m.SetBody([]byte("ping-from-a"))
	if err := busA.Send(2, m); err != nil {
		t.Fatal(err)
	}
	m.Unref()

	handlerB.wait(t)
	handlerB.mu.Lock()
	defer handlerB.mu.Unlock()
	if len(handlerB.bodies) != 1 || handlerB.bodies[0] != "ping-from-a" {
		t.Fatalf("got %v", handlerB.bodies)
	}
}
