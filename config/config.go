// Package config reads the YAML configuration file that a vsrd process
// starts from (command-line flags are parsed in cmd/vsrd, not here):
// cluster/replica identity, the on-disk layout to
// format with, peer addresses, and timer durations. Structurally this is
// cmd/litefs/config.go adapted: the same NewConfig-with-defaults plus
// UnmarshalConfig-with-strict-yaml shape, narrowed to the fields this
// system's replica and storage layout actually need.
package config

import (
	"bytes"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vsrdb/vsr"
	"github.com/vsrdb/vsr/storage"
)

// Config is the static configuration of one vsrd process.
type Config struct {
	ClusterID uint64 `yaml:"cluster-id"`
	ReplicaID uint8  `yaml:"replica-id"`
	Release   uint32 `yaml:"release"`

	Data     DataConfig     `yaml:"data"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Timers   TimersConfig   `yaml:"timers"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	LayoutCfg LayoutConfig  `yaml:"layout"`
}

// DataConfig names the replica's single data file.
type DataConfig struct {
	Path string `yaml:"path"`
}

// ClusterConfig is the static membership of the cluster: every active
// replica's control-bus address, keyed by replica id, plus any standbys.
// Membership never changes for the life of the process (spec §1
// Non-goals: "dynamic membership reconfiguration"); this struct is read
// once at start and handed to transport.Bus verbatim.
type ClusterConfig struct {
	// Addrs maps replica id -> "host:port" for the control bus.
	Addrs map[uint8]string `yaml:"addrs"`
	// BulkAddrs maps replica id -> "host:port" for the HTTP2 bulk path.
	BulkAddrs map[uint8]string `yaml:"bulk-addrs"`
	// Standbys lists replica ids that participate in replication but
	// never count toward a quorum and can never become primary (spec
	// §4.5 "Standbys").
	Standbys []uint8 `yaml:"standbys"`
}

// DiscoveryConfig optionally resolves ClusterConfig.Addrs from Consul
// instead of (or in addition to) the static yaml list, mirroring
// consul/consul.go's URL/key shape but for read-only address lookup
// rather than lease acquisition (spec §1 Non-goals rules out dynamic
// reconfiguration, so this runs once at start, never again).
type DiscoveryConfig struct {
	ConsulURL string `yaml:"consul-url"`
	KeyPrefix string `yaml:"key-prefix"`
}

// PipelineConfig bounds the primary's in-flight prepare and request
// queues (spec §3 "Pipeline").
type PipelineConfig struct {
	PrepareQueueMax int `yaml:"prepare-queue-max"`
	RequestQueueMax int `yaml:"request-queue-max"`
}

// TimersConfig is the yaml-shaped mirror of vsr.TimerDurations.
type TimersConfig struct {
	Ping             time.Duration `yaml:"ping"`
	Prepare          time.Duration `yaml:"prepare"`
	Commit           time.Duration `yaml:"commit"`
	ViewChange       time.Duration `yaml:"view-change"`
	PrimaryAbdicate  time.Duration `yaml:"primary-abdicate"`
	Repair           time.Duration `yaml:"repair"`
	Scrub            time.Duration `yaml:"scrub"`
}

// MetricsConfig controls the /metrics HTTP listener, mirroring
// http/server.go's DefaultAddr pattern.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LayoutConfig overrides storage.DefaultLayout at format time. Zero
// fields fall back to the default.
type LayoutConfig struct {
	SlotCount      int64 `yaml:"slot-count"`
	MessageSizeMax int64 `yaml:"message-size-max"`
	ClientsMax     int64 `yaml:"clients-max"`
	BlockSize      int64 `yaml:"block-size"`
	GridBlocksMax  int64 `yaml:"grid-blocks-max"`
}

// NewConfig returns a Config with the same kind of non-zero defaults
// cmd/litefs's NewConfig sets, sized for a 3-replica cluster with modest
// checkpoint cadence.
func NewConfig() Config {
	var c Config
	c.Pipeline.PrepareQueueMax = 4
	c.Pipeline.RequestQueueMax = 32
	c.Timers = TimersConfig{
		Ping:            time.Second,
		Prepare:         2 * time.Second,
		Commit:          2 * time.Second,
		ViewChange:      4 * time.Second,
		PrimaryAbdicate: 3 * time.Second,
		Repair:          time.Second,
		Scrub:           5 * time.Second,
	}
	c.Metrics.Addr = ":9090"
	return c
}

// VSRConfig converts the yaml configuration into the vsr.Config the
// replica itself consumes, given the number of active (non-standby)
// replicas and a checkpoint interval decided at format time.
func (c Config) VSRConfig(replicaCount uint8, checkpointInterval uint64) vsr.Config {
	return vsr.Config{
		ClusterID:               c.ClusterID,
		ReplicaID:               c.ReplicaID,
		ReplicaCount:            replicaCount,
		Release:                 c.Release,
		PipelinePrepareQueueMax: c.Pipeline.PrepareQueueMax,
		PipelineRequestQueueMax: c.Pipeline.RequestQueueMax,
		CheckpointInterval:      checkpointInterval,
		Timers: vsr.TimerDurations{
			Ping:            c.Timers.Ping,
			Prepare:         c.Timers.Prepare,
			Commit:          c.Timers.Commit,
			ViewChange:      c.Timers.ViewChange,
			PrimaryAbdicate: c.Timers.PrimaryAbdicate,
			Repair:          c.Timers.Repair,
			Scrub:           c.Timers.Scrub,
		},
	}
}

// Layout returns the storage.Layout this config describes, falling back
// to storage.DefaultLayout for any zero field.
func (c Config) Layout() storage.Layout {
	l := storage.DefaultLayout()
	if c.LayoutCfg.SlotCount != 0 {
		l.SlotCount = c.LayoutCfg.SlotCount
	}
	if c.LayoutCfg.MessageSizeMax != 0 {
		l.MessageSizeMax = c.LayoutCfg.MessageSizeMax
	}
	if c.LayoutCfg.ClientsMax != 0 {
		l.ClientsMax = c.LayoutCfg.ClientsMax
	}
	if c.LayoutCfg.BlockSize != 0 {
		l.BlockSize = c.LayoutCfg.BlockSize
	}
	if c.LayoutCfg.GridBlocksMax != 0 {
		l.GridBlocksMax = c.LayoutCfg.GridBlocksMax
	}
	return l
}

// UnmarshalConfig unmarshals yaml config data with strict field checking,
// the same discipline cmd/litefs/config.go's UnmarshalConfig uses.
func UnmarshalConfig(c *Config, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(c)
}

// Load reads and parses the config file at path.
func Load(path string) (Config, error) {
	c := NewConfig()
	buf, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := UnmarshalConfig(&c, buf); err != nil {
		return c, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}

// SearchPaths returns the default list of paths to look for a config file
// in, the same "cwd, then home, then /etc" order cmd/litefs/config.go
// uses for litefs.yml.
func SearchPaths() []string {
	a := []string{"vsrd.yml"}
	if u, _ := user.Current(); u != nil && u.HomeDir != "" {
		a = append(a, filepath.Join(u.HomeDir, "vsrd.yml"))
	}
	a = append(a, "/etc/vsrd.yml")
	return a
}

// LoadFromSearchPaths tries each of SearchPaths in turn, returning the
// first one that exists.
func LoadFromSearchPaths() (Config, string, error) {
	for _, path := range SearchPaths() {
		abs, err := filepath.Abs(path)
		if err != nil {
			return Config{}, "", err
		}
		if _, err := os.Stat(abs); os.IsNotExist(err) {
			continue
		}
		c, err := Load(abs)
		return c, abs, err
	}
	return Config{}, "", fmt.Errorf("config: no config file found in %v", SearchPaths())
}
