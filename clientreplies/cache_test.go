package clientreplies

import (
	"context"
	"testing"

	"github.com/vsrdb/vsr"
	"github.com/vsrdb/vsr/storage"
)

func testLayout() storage.Layout {
	return storage.Layout{
		SuperblockCopies: 4,
		SuperblockSize:   4096,
		HeaderSize:       128,
		SlotCount:        16,
		MessageSizeMax:   4096,
		ClientsMax:       4,
		BlockSize:        512,
		GridBlocksMax:    16,
	}
}

func replyMessage(clientID uint64, requestNumber uint32, body string) *vsr.Message {
	pool := vsr.NewPool(1, 4096)
	m := pool.Get()
	m.Header.ClientID = clientID
	m.Header.RequestNumber = requestNumber
	m.Header.Command = vsr.CommandReply
	m.Header.Operation = vsr.OperationStateMachine
	m.SetBody([]byte(body))
	return m
}

func TestCache_StoreLookupRoundTrip(t *testing.T) {
	ctx := context.Background()
	layout := testLayout()
	d := storage.NewFaultDriver(layout)
	c, err := Open(ctx, d, layout, int(layout.MessageSizeMax))
	if err != nil {
		t.Fatal(err)
	}

	m := replyMessage(1, 5, "result-a")
	done := make(chan error, 1)
	c.Store(ctx, m, func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	reply, found, err := c.Lookup(ctx, 1, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected lookup to find the stored reply")
	}
	if string(reply.Body) != "result-a" {
		t.Fatalf("got %q", reply.Body)
	}
}

func TestCache_LookupMissesUnknownRequestNumber(t *testing.T) {
	ctx := context.Background()
	layout := testLayout()
	d := storage.NewFaultDriver(layout)
	c, err := Open(ctx, d, layout, int(layout.MessageSizeMax))
	if err != nil {
		t.Fatal(err)
	}

	m := replyMessage(1, 5, "result-a")
	done := make(chan error, 1)
	c.Store(ctx, m, func(err error) { done <- err })
	<-done

	_, found, err := c.Lookup(ctx, 1, 6)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected request_number 6 to not be a known duplicate")
	}
}

func TestCache_OpenRebuildsSessionsFromDisk(t *testing.T) {
	ctx := context.Background()
	layout := testLayout()
	d := storage.NewFaultDriver(layout)
	c, err := Open(ctx, d, layout, int(layout.MessageSizeMax))
	if err != nil {
		t.Fatal(err)
	}
	m := replyMessage(2, 9, "result-b")
	done := make(chan error, 1)
	c.Store(ctx, m, func(err error) { done <- err })
	<-done

	reopened, err := Open(ctx, d, layout, int(layout.MessageSizeMax))
	if err != nil {
		t.Fatal(err)
	}
	session, ok := reopened.Session(2)
	if !ok || session.RequestNumber != 9 {
		t.Fatalf("got session %+v, ok=%v", session, ok)
	}
}

type fakeReplyFetcher struct {
	reply *vsr.Message
	err   error
}

func (f *fakeReplyFetcher) FetchReply(ctx context.Context, clientID uint64) (*vsr.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func TestCache_LookupRepairsCorruptSlotFromPeer(t *testing.T) {
	ctx := context.Background()
	layout := testLayout()
	d := storage.NewFaultDriver(layout)
	c, err := Open(ctx, d, layout, int(layout.MessageSizeMax))
	if err != nil {
		t.Fatal(err)
	}

	m := replyMessage(3, 1, "result-c")
	done := make(chan error, 1)
	c.Store(ctx, m, func(err error) { done <- err })
	<-done

	slot := SlotFor(3, layout.ClientsMax)
	d.Corrupt(storage.ZoneClientReplies, layout.ClientReplyOffset(int64(slot)), 16)

	c.SetFetcher(&fakeReplyFetcher{reply: replyMessage(3, 1, "result-c")})

	reply, found, err := c.Lookup(ctx, 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected duplicate to be recognized despite corruption")
	}
	if string(reply.Body) != "result-c" {
		t.Fatalf("got %q", reply.Body)
	}

	// The slot should now be healed on disk without needing the fetcher.
	c.SetFetcher(nil)
	reply2, found2, err := c.Lookup(ctx, 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !found2 || string(reply2.Body) != "result-c" {
		t.Fatalf("got reply=%v found=%v err=%v", reply2, found2, err)
	}
}

func TestCache_StoreRejectsNonReplyCommand(t *testing.T) {
	ctx := context.Background()
	layout := testLayout()
	d := storage.NewFaultDriver(layout)
	c, err := Open(ctx, d, layout, int(layout.MessageSizeMax))
	if err != nil {
		t.Fatal(err)
	}

	pool := vsr.NewPool(1, 4096)
	m := pool.Get()
	m.Header.Command = vsr.CommandPrepare
	m.SetBody([]byte("x"))

	done := make(chan error, 1)
	c.Store(ctx, m, func(err error) { done <- err })
	if err := <-done; err == nil {
		t.Fatal("expected error storing a non-reply message")
	}
}
