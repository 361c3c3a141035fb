package transport_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/vsrdb/vsr"
	"github.com/vsrdb/vsr/grid"
	"github.com/vsrdb/vsr/transport"
)

type fakeBulkSource struct {
	blocks map[uint64][]byte
	pool   *vsr.Pool
}

func (s *fakeBulkSource) OpenCheckpoint(ctx context.Context, checkpointID uint64) (io.ReadCloser, error) {
	if checkpointID != 42 {
		return nil, errors.New("unknown checkpoint")
	}
	return io.NopCloser(strings.NewReader("checkpoint-42-bytes")), nil
}

func (s *fakeBulkSource) Block(ctx context.Context, id grid.BlockID) ([]byte, error) {
	data, ok := s.blocks[id.Address]
	if !ok {
		return nil, errors.New("block not found")
	}
	return data, nil
}

func (s *fakeBulkSource) Prepare(ctx context.Context, op uint64) (*vsr.Message, error) {
	m := s.pool.Get()
	m.Header.Command = vsr.CommandPrepare
	m.Header.Op = op
	m.SetBody([]byte("prepare-body"))
	return m, nil
}

func (s *fakeBulkSource) Reply(ctx context.Context, clientID uint64) (*vsr.Message, error) {
	m := s.pool.Get()
	m.Header.Command = vsr.CommandReply
	m.Header.ClientID = clientID
	m.SetBody([]byte("reply-body"))
	return m, nil
}

func TestBulkServerClient_RoundTrip(t *testing.T) {
	serverPool := vsr.NewPool(4, 4096)
	clientPool := vsr.NewPool(4, 4096)

	source := &fakeBulkSource{
		blocks: map[uint64][]byte{5: []byte("block-five")},
		pool:   serverPool,
	}
	server := transport.NewBulkServer(source, serverPool)
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	addr := server.Addr()
	go server.Serve()
	defer server.Close()

	baseURL := "http://" + addr
	client := transport.NewBulkClient(clientPool)
	ctx := context.Background()

	rc, err := client.FetchCheckpoint(ctx, baseURL, 42)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "checkpoint-42-bytes" {
		t.Fatalf("got %q", data)
	}

	block, err := client.FetchBlock(ctx, baseURL, grid.BlockID{Address: 5})
	if err != nil {
		t.Fatal(err)
	}
	if string(block) != "block-five" {
		t.Fatalf("got %q", block)
	}

	prep, err := client.FetchPrepare(ctx, baseURL, 9)
	if err != nil {
		t.Fatal(err)
	}
	defer prep.Unref()
	if prep.Header.Op != 9 || string(prep.Body) != "prepare-body" {
		t.Fatalf("got header=%+v body=%q", prep.Header, prep.Body)
	}

	reply, err := client.FetchReply(ctx, baseURL, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer reply.Unref()
	if reply.Header.ClientID != 3 || string(reply.Body) != "reply-body" {
		t.Fatalf("got header=%+v body=%q", reply.Header, reply.Body)
	}
}

func TestBulkClient_FetchBlockNotFound(t *testing.T) {
	serverPool := vsr.NewPool(4, 4096)
	clientPool := vsr.NewPool(4, 4096)
	source := &fakeBulkSource{blocks: map[uint64][]byte{}, pool: serverPool}
	server := transport.NewBulkServer(source, serverPool)
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	addr := server.Addr()
	go server.Serve()
	defer server.Close()

	client := transport.NewBulkClient(clientPool)
	if _, err := client.FetchBlock(context.Background(), "http://"+addr, grid.BlockID{Address: 99}); err == nil {
		t.Fatal("expected error for missing block")
	}
}
