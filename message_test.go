package vsr_test

import (
	"testing"

	"github.com/vsrdb/vsr"
)

func TestPool_GetPutRoundTrip(t *testing.T) {
	pool := vsr.NewPool(2, 1024)

	m := pool.Get()
	m.Header.Command = vsr.CommandPrepare
	m.Header.Op = 10
	m.SetBody([]byte("hello"))

	encoded := m.Encode()
	if len(encoded) != vsr.HeaderSize+5 {
		t.Fatalf("got len %d", len(encoded))
	}

	var decoded vsr.Message
	decoded.Header = vsr.Header{}
	var tmp vsr.Header
	if err := tmp.UnmarshalBinary(encoded[:vsr.HeaderSize]); err != nil {
		t.Fatal(err)
	}
	if tmp.Op != 10 || tmp.Command != vsr.CommandPrepare {
		t.Fatalf("got %+v", tmp)
	}

	m.Unref() // refs drop to zero, returned to pool

	m2 := pool.Get()
	m3 := pool.Get()
	_ = m2
	_ = m3
}

func TestPool_ExhaustionPanics(t *testing.T) {
	pool := vsr.NewPool(1, 64)
	_ = pool.Get()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on exhausted pool")
		}
	}()
	pool.Get()
}

func TestMessage_RefCounting(t *testing.T) {
	pool := vsr.NewPool(1, 64)
	m := pool.Get()
	m.Ref() // now refs == 2
	m.Unref()
	m.Unref()

	// pool should have the message back now; Get must succeed.
	m2 := pool.Get()
	if m2 == nil {
		t.Fatal("expected message back in pool")
	}
}
