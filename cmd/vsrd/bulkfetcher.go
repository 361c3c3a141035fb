package main

import (
	"context"
	"fmt"
	"io"

	"github.com/vsrdb/vsr"
	"github.com/vsrdb/vsr/grid"
	"github.com/vsrdb/vsr/transport"
)

// bulkPeerFetcher adapts transport.BulkClient to grid.PeerFetcher,
// clientreplies.ReplyFetcher and vsr.CheckpointFetcher. None of those
// interfaces name which peer actually holds the data they ask for — spec
// §4.8's "any peer whose block hashes to the expected checksum is a valid
// source of repair" — so FetchBlock/FetchReply try every configured peer
// in turn; only FetchCheckpoint is replica-specific, since it follows a
// sync target a quorum has already agreed on.
type bulkPeerFetcher struct {
	client *transport.BulkClient
	addrs  map[uint8]string // replica id -> bulk base URL, self excluded
}

func newBulkPeerFetcher(client *transport.BulkClient, selfID uint8, bulkAddrs map[uint8]string) *bulkPeerFetcher {
	addrs := make(map[uint8]string, len(bulkAddrs))
	for id, addr := range bulkAddrs {
		if id == selfID || addr == "" {
			continue
		}
		addrs[id] = "http://" + addr
	}
	return &bulkPeerFetcher{client: client, addrs: addrs}
}

func (f *bulkPeerFetcher) FetchBlock(ctx context.Context, id grid.BlockID) ([]byte, error) {
	var lastErr error
	for _, addr := range f.addrs {
		data, err := f.client.FetchBlock(ctx, addr, id)
		if err != nil {
			lastErr = err
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("bulkfetcher: fetch block %d: %w", id.Address, firstErr(lastErr))
}

func (f *bulkPeerFetcher) FetchReply(ctx context.Context, clientID uint64) (*vsr.Message, error) {
	var lastErr error
	for _, addr := range f.addrs {
		m, err := f.client.FetchReply(ctx, addr, clientID)
		if err != nil {
			lastErr = err
			continue
		}
		return m, nil
	}
	return nil, fmt.Errorf("bulkfetcher: fetch reply for client %d: %w", clientID, firstErr(lastErr))
}

func (f *bulkPeerFetcher) FetchCheckpoint(ctx context.Context, replicaID uint8, checkpointID uint64) (io.ReadCloser, error) {
	addr, ok := f.addrs[replicaID]
	if !ok {
		return nil, fmt.Errorf("bulkfetcher: no bulk address for replica %d", replicaID)
	}
	return f.client.FetchCheckpoint(ctx, addr, checkpointID)
}

func firstErr(err error) error {
	if err == nil {
		return fmt.Errorf("no peers configured")
	}
	return err
}
