package vsr

import "sync"

// InflightTable tracks, per client, the request_number currently being
// prepared by this replica as primary, so a duplicate request arriving
// before the matching prepare commits (and lands in the client-reply
// cache) is recognized as in-flight rather than queued a second time.
// This is the primary-side half of spec §4.9's at-most-once guarantee;
// the other half — replaying a *completed* request's reply — is
// clientreplies.Cache's job once the cache has a slot for it.
type InflightTable struct {
	mu       sync.Mutex
	inflight map[uint64]uint32
}

// NewInflightTable returns an empty table.
func NewInflightTable() *InflightTable {
	return &InflightTable{inflight: make(map[uint64]uint32)}
}

// Begin records that clientID's requestNumber is now in flight. It
// returns false if that client already has a different request number in
// flight — per spec §4.5, "clients may have at most one in-flight
// request" — in which case the caller must reject or ignore the new
// request rather than starting a second prepare for the same client.
func (t *InflightTable) Begin(clientID uint64, requestNumber uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.inflight[clientID]; ok {
		return cur == requestNumber
	}
	t.inflight[clientID] = requestNumber
	return true
}

// InFlight reports the request_number currently in flight for clientID,
// if any.
func (t *InflightTable) InFlight(clientID uint64) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.inflight[clientID]
	return n, ok
}

// Clear removes clientID's in-flight marker, called once its request has
// committed and been placed in the reply cache (or been rejected outright
// and will never be retried under this request_number).
func (t *InflightTable) Clear(clientID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, clientID)
}
