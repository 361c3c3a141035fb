// Package discovery optionally resolves cluster peer addresses from
// Consul at process start, instead of (or on top of) the static list in
// config.ClusterConfig. It is grounded on consul/consul.go's client
// construction (URL parsing into api.Config, key-prefix handling) but
// drops everything about sessions, locks and leases: VSR's own
// view-change protocol is the cluster's only leader-election mechanism
// (SPEC_FULL.md DOMAIN STACK), so there is nothing here but a read of the
// KV tree that stores "replica id -> advertise address" pairs.
package discovery

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/hashicorp/consul/api"
)

// Resolver resolves the static cluster membership (spec §1 Non-goals:
// "dynamic membership reconfiguration" — this runs once, at start, never
// again) from a Consul KV prefix.
type Resolver struct {
	client    *api.Client
	keyPrefix string
}

// NewResolver parses consulURL (scheme://host:port/key-prefix, optionally
// with a basic-auth token as in consul/consul.go's NewLeaser) and returns
// a Resolver bound to it.
func NewResolver(consulURL string) (*Resolver, error) {
	u, err := url.Parse(consulURL)
	if err != nil {
		return nil, fmt.Errorf("discovery: parse consul url: %w", err)
	}

	cfg := api.DefaultConfig()
	cfg.HttpClient = http.DefaultClient
	cfg.Address = u.Host
	cfg.Scheme = u.Scheme
	if u.User != nil {
		cfg.Token, _ = u.User.Password()
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("discovery: new consul client: %w", err)
	}

	return &Resolver{
		client:    client,
		keyPrefix: strings.TrimPrefix(u.Path, "/"),
	}, nil
}

// Addrs reads every key under <prefix>/replicas/<id> and returns the
// replica-id -> address map that transport.Bus and transport.BulkClient
// need, the same KV-tree-as-directory convention
// consul/consul.go's path.Join(l.KeyPrefix, l.Key) uses for its single
// lease key, generalized to one entry per replica.
func (r *Resolver) Addrs() (map[uint8]string, error) {
	prefix := path.Join(r.keyPrefix, "replicas") + "/"
	pairs, _, err := r.client.KV().List(prefix, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: list %s: %w", prefix, err)
	}

	out := make(map[uint8]string, len(pairs))
	for _, kv := range pairs {
		idStr := strings.TrimPrefix(kv.Key, prefix)
		id, err := strconv.ParseUint(idStr, 10, 8)
		if err != nil {
			continue
		}
		out[uint8(id)] = string(kv.Value)
	}
	return out, nil
}

// Register publishes this replica's own control-bus address under the
// resolver's KV prefix, so peers that start later can discover it.
func (r *Resolver) Register(replicaID uint8, addr string) error {
	key := path.Join(r.keyPrefix, "replicas", strconv.Itoa(int(replicaID)))
	_, err := r.client.KV().Put(&api.KVPair{Key: key, Value: []byte(addr)}, nil)
	if err != nil {
		return fmt.Errorf("discovery: register %s: %w", key, err)
	}
	return nil
}
