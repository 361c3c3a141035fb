package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/vsrdb/vsr"
	"github.com/vsrdb/vsr/grid"
)

var (
	bulkStreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vsr_bulk_streams_active",
		Help: "Number of in-progress bulk transfer requests (state sync, block repair, prepare repair).",
	})
	bulkBytesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vsr_bulk_bytes_sent_total",
		Help: "Bytes sent over the bulk transfer path, by kind.",
	}, []string{"kind"})
)

// BulkSource is the replica-side hook the BulkServer calls into to
// satisfy state-sync, grid-block and prepare-repair requests from peers.
type BulkSource interface {
	// OpenCheckpoint returns a reader over the serialized checkpoint
	// state and free-set for checkpointID, for the §4.7 state-sync path.
	OpenCheckpoint(ctx context.Context, checkpointID uint64) (io.ReadCloser, error)
	// Block returns the raw bytes at a grid address, for peer repair.
	Block(ctx context.Context, id grid.BlockID) ([]byte, error)
	// Prepare returns the prepare message at op, for large-prepare repair.
	Prepare(ctx context.Context, op uint64) (*vsr.Message, error)
	// Reply returns the cached reply for clientID, for reply-cache repair.
	Reply(ctx context.Context, clientID uint64) (*vsr.Message, error)
}

// BulkServer exposes BulkSource over HTTP2, mirroring litefs's
// http/server.go: a single handler multiplexing a handful of paths, a
// prometheus handler at /metrics, and an errgroup-managed listener
// lifecycle.
type BulkServer struct {
	ln         net.Listener
	httpServer *http.Server
	source     BulkSource
	pool       *vsr.Pool
}

// NewBulkServer returns a BulkServer backed by source.
func NewBulkServer(source BulkSource, pool *vsr.Pool) *BulkServer {
	s := &BulkServer{source: source, pool: pool}
	mux := http.NewServeMux()
	mux.HandleFunc("/sync_checkpoint", s.handleCheckpoint)
	mux.HandleFunc("/block", s.handleBlock)
	mux.HandleFunc("/prepare", s.handlePrepare)
	mux.HandleFunc("/reply", s.handleReply)
	mux.Handle("/metrics", promhttp.Handler())
	s.httpServer = &http.Server{Handler: mux}
	return s
}

// Listen opens the bulk transfer listener on addr.
func (s *BulkServer) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: bulk listen: %w", err)
	}
	s.ln = ln
	return nil
}

// Serve blocks serving HTTP2 (h2c — plaintext) until the listener closes.
func (s *BulkServer) Serve() error {
	srv := &http.Server{Handler: h2c.NewHandler(s.httpServer.Handler, &http2.Server{})}
	if err := srv.Serve(s.ln); err != nil && !isClosedErr(err) {
		return fmt.Errorf("transport: bulk serve: %w", err)
	}
	return nil
}

// Addr returns the bulk listener's address, once Listen has succeeded.
func (s *BulkServer) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops accepting bulk transfer connections.
func (s *BulkServer) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *BulkServer) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	bulkStreamsActive.Inc()
	defer bulkStreamsActive.Dec()

	id, err := strconv.ParseUint(r.URL.Query().Get("checkpoint_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid checkpoint_id", http.StatusBadRequest)
		return
	}
	rc, err := s.source.OpenCheckpoint(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer rc.Close()

	w.WriteHeader(http.StatusOK)
	n, _ := io.Copy(w, rc)
	bulkBytesSent.WithLabelValues("checkpoint").Add(float64(n))
}

func (s *BulkServer) handleBlock(w http.ResponseWriter, r *http.Request) {
	bulkStreamsActive.Inc()
	defer bulkStreamsActive.Dec()

	address, err1 := strconv.ParseUint(r.URL.Query().Get("address"), 10, 64)
	checksum, err2 := strconv.ParseUint(r.URL.Query().Get("checksum"), 10, 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "invalid address/checksum", http.StatusBadRequest)
		return
	}
	data, err := s.source.Block(r.Context(), grid.BlockID{Address: address, Checksum: checksum})
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
	n, _ := w.Write(data)
	bulkBytesSent.WithLabelValues("block").Add(float64(n))
}

func (s *BulkServer) handlePrepare(w http.ResponseWriter, r *http.Request) {
	bulkStreamsActive.Inc()
	defer bulkStreamsActive.Dec()

	op, err := strconv.ParseUint(r.URL.Query().Get("op"), 10, 64)
	if err != nil {
		http.Error(w, "invalid op", http.StatusBadRequest)
		return
	}
	m, err := s.source.Prepare(r.Context(), op)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer m.Unref()
	w.WriteHeader(http.StatusOK)
	buf := m.Encode()
	n, _ := w.Write(buf)
	bulkBytesSent.WithLabelValues("prepare").Add(float64(n))
}

func (s *BulkServer) handleReply(w http.ResponseWriter, r *http.Request) {
	bulkStreamsActive.Inc()
	defer bulkStreamsActive.Dec()

	clientID, err := strconv.ParseUint(r.URL.Query().Get("client_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid client_id", http.StatusBadRequest)
		return
	}
	m, err := s.source.Reply(r.Context(), clientID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer m.Unref()
	w.WriteHeader(http.StatusOK)
	buf := m.Encode()
	n, _ := w.Write(buf)
	bulkBytesSent.WithLabelValues("reply").Add(float64(n))
}

// BulkClient is the peer side of BulkServer, dialing h2c the same way
// litefs's http/client.go does for its own streaming client: a plain TCP
// DialTLS override so HTTP2 runs unencrypted between trusted cluster
// members.
type BulkClient struct {
	httpClient *http.Client
	pool       *vsr.Pool
}

// NewBulkClient returns a BulkClient whose messages are decoded into pool.
func NewBulkClient(pool *vsr.Pool) *BulkClient {
	return &BulkClient{
		pool: pool,
		httpClient: &http.Client{
			Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLS: func(network, addr string, cfg *tls.Config) (net.Conn, error) {
					return net.Dial(network, addr)
				},
			},
		},
	}
}

// FetchCheckpoint opens a streaming read of checkpointID's serialized
// state from baseURL, for the §4.7 state-sync path.
func (c *BulkClient) FetchCheckpoint(ctx context.Context, baseURL string, checkpointID uint64) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/sync_checkpoint?checkpoint_id=%d", baseURL, checkpointID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("transport: fetch checkpoint: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// FetchBlock fetches block id from the peer at baseURL. The baseURL
// parameter means it does not satisfy grid.PeerFetcher directly; cmd/vsrd
// adapts it.
func (c *BulkClient) FetchBlock(ctx context.Context, baseURL string, id grid.BlockID) ([]byte, error) {
	url := fmt.Sprintf("%s/block?address=%d&checksum=%d", baseURL, id.Address, id.Checksum)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: fetch block: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// FetchPrepare fetches the prepare at op from baseURL.
func (c *BulkClient) FetchPrepare(ctx context.Context, baseURL string, op uint64) (*vsr.Message, error) {
	url := fmt.Sprintf("%s/prepare?op=%d", baseURL, op)
	return c.fetchMessage(ctx, url)
}

// FetchReply fetches clientID's latest reply from the peer at baseURL. The
// baseURL parameter means it does not satisfy clientreplies.ReplyFetcher
// directly; cmd/vsrd adapts it.
func (c *BulkClient) FetchReply(ctx context.Context, baseURL string, clientID uint64) (*vsr.Message, error) {
	url := fmt.Sprintf("%s/reply?client_id=%d", baseURL, clientID)
	return c.fetchMessage(ctx, url)
}

func (c *BulkClient) fetchMessage(ctx context.Context, url string) (*vsr.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: fetch message: status %d", resp.StatusCode)
	}
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	m := c.pool.Get()
	if err := m.Decode(buf); err != nil {
		m.Unref()
		return nil, fmt.Errorf("transport: decode message: %w", err)
	}
	return m, nil
}

func isClosedErr(err error) bool {
	return err != nil && err.Error() == "http: Server closed"
}
