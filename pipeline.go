package vsr

import (
	"sort"
	"sync"
)

// PipelineEntry is one uncommitted, outstanding prepare at the primary:
// the message itself plus the set of replica ids that have acknowledged
// it with a matching prepare_ok (spec §4.5 step 3).
type PipelineEntry struct {
	Message *Message
	Acks    map[uint8]bool
}

// Pipeline is the primary's FIFO of at most pipeline_prepare_queue_max
// in-flight prepares, plus a request queue, bounded separately by
// pipeline_request_queue_max, that
// absorbs client requests the primary has accepted but not yet turned
// into a prepare (spec §3, "Pipeline").
type Pipeline struct {
	prepareQueueMax int
	requestQueueMax int

	mu       sync.Mutex
	prepares map[uint64]*PipelineEntry // keyed by op
	requests []*Message                // FIFO of pending CommandRequest messages
}

// NewPipeline returns an empty Pipeline bounded by the given maxima.
func NewPipeline(prepareQueueMax, requestQueueMax int) *Pipeline {
	return &Pipeline{
		prepareQueueMax: prepareQueueMax,
		requestQueueMax: requestQueueMax,
		prepares:        make(map[uint64]*PipelineEntry),
	}
}

// PrepareCount returns the number of outstanding (uncommitted) prepares.
func (p *Pipeline) PrepareCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prepares)
}

// HasRoomForPrepare reports whether another prepare may be started
// without exceeding pipeline_prepare_queue_max.
func (p *Pipeline) HasRoomForPrepare() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prepares) < p.prepareQueueMax
}

// PushPrepare records a newly-issued prepare as outstanding, pre-acked by
// selfReplica (the primary counts its own local write as its first ack,
// per spec §4.5 step 3, "f+1 distinct prepare_oks including itself").
// m is Ref'd; the caller retains its own reference.
func (p *Pipeline) PushPrepare(op uint64, m *Message, selfReplica uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prepares[op] = &PipelineEntry{
		Message: m.Ref(),
		Acks:    map[uint8]bool{selfReplica: true},
	}
}

// Ack records a prepare_ok for op from replicaID. It returns the updated
// ack count and whether the entry exists at all (a late or duplicate ack
// for an already-committed op is simply ignored by the caller).
func (p *Pipeline) Ack(op uint64, replicaID uint8) (count int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.prepares[op]
	if !ok {
		return 0, false
	}
	e.Acks[replicaID] = true
	return len(e.Acks), true
}

// Entry returns the pipeline entry for op, if still outstanding.
func (p *Pipeline) Entry(op uint64) (*PipelineEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.prepares[op]
	return e, ok
}

// Remove drops op from the outstanding set, once it has committed, and
// releases the pipeline's reference to its message.
func (p *Pipeline) Remove(op uint64) {
	p.mu.Lock()
	e, ok := p.prepares[op]
	delete(p.prepares, op)
	p.mu.Unlock()
	if ok {
		e.Message.Unref()
	}
}

// Ops returns every outstanding op, ascending, e.g. for re-sending
// prepares to a backup that fell behind.
func (p *Pipeline) Ops() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, 0, len(p.prepares))
	for op := range p.prepares {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EnqueueRequest appends m to the request queue. It returns false without
// enqueuing if the queue is already at pipeline_request_queue_max; per
// spec §4.5, "excess requests are dropped (client retry is idempotent by
// request_number)" — there is no backpressure signal beyond silence. m is
// Ref'd on success.
func (p *Pipeline) EnqueueRequest(m *Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) >= p.requestQueueMax {
		return false
	}
	p.requests = append(p.requests, m.Ref())
	return true
}

// DequeueRequest removes and returns the oldest queued request, if any.
// The caller must Unref it once done.
func (p *Pipeline) DequeueRequest() (*Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil, false
	}
	m := p.requests[0]
	p.requests = p.requests[1:]
	return m, true
}

// RequestQueueLen returns the number of requests currently queued.
func (p *Pipeline) RequestQueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}
