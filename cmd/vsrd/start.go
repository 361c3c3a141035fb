package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/vsrdb/vsr"
	"github.com/vsrdb/vsr/config"
	"github.com/vsrdb/vsr/discovery"
	"github.com/vsrdb/vsr/metrics"
	"github.com/vsrdb/vsr/statemachine"
	"github.com/vsrdb/vsr/storage"
	"github.com/vsrdb/vsr/transport"
)

// StartCommand opens and runs a replica bound to its configured
// addresses, the second half of spec §6's CLI surface. Its Run mirrors
// cmd/litefs's Main.Run/monitor split: parse flags and config, open every
// collaborator, then hand off to an errgroup of background loops the way
// store.go's monitor hands off to monitorAsPrimary/monitorAsReplica.
type StartCommand struct {
	Path       string
	ConfigPath string
}

// NewStartCommand returns a new StartCommand.
func NewStartCommand() *StartCommand { return &StartCommand{} }

// handlerBox exists only to break the construction cycle between
// transport.Bus (which wants a Handler at NewBus time) and *vsr.Replica
// (which is Open'd after the bus is constructed, since Open itself takes
// a Bus): it forwards HandleMessage to whichever replica is set once
// Open returns.
type handlerBox struct {
	r *vsr.Replica
}

func (h *handlerBox) HandleMessage(replicaID uint8, m *vsr.Message) {
	if h.r == nil {
		return
	}
	h.r.HandleMessage(replicaID, m)
}

func (c *StartCommand) Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("vsrd-start", flag.ContinueOnError)
	fs.StringVar(&c.Path, "path", "", "data file path")
	fs.StringVar(&c.ConfigPath, "config", "", "config file path")
	fs.Usage = func() {
		fmt.Println(`
The start command opens an already-formatted data file and runs the
replica's event loop until it receives SIGINT/SIGTERM or halts on an
unrecoverable protocol error.

Usage:

	vsrd start [arguments]

Arguments:
`[1:])
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if c.Path == "" {
		fs.Usage()
		return fmt.Errorf("must specify -path")
	}

	var cfg config.Config
	if c.ConfigPath != "" {
		loaded, err := config.Load(c.ConfigPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		loaded, path, err := config.LoadFromSearchPaths()
		if err != nil {
			return fmt.Errorf("no -config given and %w", err)
		}
		log.Printf("vsrd: config file read from %s", path)
		cfg = loaded
	}

	addrs := cfg.Cluster.Addrs
	if cfg.Discovery.ConsulURL != "" {
		resolver, err := discovery.NewResolver(cfg.Discovery.ConsulURL)
		if err != nil {
			return err
		}
		resolved, err := resolver.Addrs()
		if err != nil {
			return fmt.Errorf("discovery: resolve peer addresses: %w", err)
		}
		for id, addr := range resolved {
			if addrs == nil {
				addrs = make(map[uint8]string)
			}
			addrs[id] = addr
		}
		if selfAddr, ok := addrs[cfg.ReplicaID]; ok {
			if err := resolver.Register(cfg.ReplicaID, selfAddr); err != nil {
				log.Printf("vsrd: discovery: register self: %v", err)
			}
		}
	}

	layout := cfg.Layout()
	driver, err := storage.OpenFileDriver(c.Path, layout)
	if err != nil {
		return fmt.Errorf("open data file: %w", err)
	}

	// addrs lists every active replica, self included.
	replicaCount := uint8(len(addrs))
	if _, ok := addrs[cfg.ReplicaID]; !ok {
		replicaCount++
	}
	for _, id := range cfg.Cluster.Standbys {
		if _, isPeer := addrs[id]; isPeer || id == cfg.ReplicaID {
			replicaCount--
		}
	}
	vcfg := cfg.VSRConfig(replicaCount, checkpointIntervalFor(layout))

	pool := vsr.NewPool(1024, int(layout.MessageSizeMax))
	box := &handlerBox{}
	peerAddrs := make(map[uint8]string, len(addrs))
	for id, addr := range addrs {
		if id != cfg.ReplicaID {
			peerAddrs[id] = addr
		}
	}
	bus := transport.NewBus(cfg.ReplicaID, peerAddrs, pool, box, vsr.SystemClock{})

	// The application state machine (the "forest") is out of scope (spec
	// §1); vsrd itself has no business logic to link in, so it runs
	// against the deterministic in-memory double used throughout this
	// module's own tests. A real deployment replaces this wiring with
	// whatever forest binary embeds this package.
	sm := statemachine.NewMem()

	replica, err := vsr.Open(ctx, vcfg, vsr.SystemClock{}, driver, layout, sm, bus, pool)
	if err != nil {
		return fmt.Errorf("open replica: %w", err)
	}
	box.r = replica

	bulkClient := transport.NewBulkClient(pool)
	fetcher := newBulkPeerFetcher(bulkClient, cfg.ReplicaID, cfg.Cluster.BulkAddrs)
	replica.SetGridPeerFetcher(fetcher)
	replica.SetReplyFetcher(fetcher)
	replica.SetCheckpointFetcher(fetcher)

	bulkAddr := cfg.Cluster.BulkAddrs[cfg.ReplicaID]
	bulkServer := transport.NewBulkServer(vsr.NewBulkSource(replica), pool)
	if bulkAddr != "" {
		if err := bulkServer.Listen(bulkAddr); err != nil {
			return fmt.Errorf("listen bulk: %w", err)
		}
	}

	busAddr := addrs[cfg.ReplicaID]
	if busAddr != "" {
		if err := bus.Listen(busAddr); err != nil {
			return fmt.Errorf("listen bus: %w", err)
		}
	}

	metricsServer := metrics.NewServer(cfg.Metrics.Addr)
	if err := metricsServer.Open(); err != nil {
		return fmt.Errorf("listen metrics: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if busAddr == "" {
			return nil
		}
		return bus.Serve(gctx)
	})
	g.Go(func() error {
		bus.Connect(gctx)
		return nil
	})
	g.Go(func() error {
		if bulkAddr == "" {
			return nil
		}
		return bulkServer.Serve()
	})
	g.Go(func() error {
		return metricsServer.Serve(gctx)
	})
	g.Go(func() error {
		return replica.Run(gctx)
	})

	log.Printf("vsrd: replica %d listening (bus=%s bulk=%s metrics=%s)", cfg.ReplicaID, busAddr, bulkAddr, metricsServer.Addr())

	err = g.Wait()
	_ = driver.Close()
	_ = bulkServer.Close()
	_ = bus.Close()
	_ = metricsServer.Close()
	if err != nil {
		return err
	}
	log.Printf("vsrd: replica %d shut down cleanly", cfg.ReplicaID)
	return nil
}

// checkpointIntervalFor picks vsr_checkpoint_interval from the layout's
// slot_count, honoring spec §4.2's bound (slot_count must exceed
// pipeline_prepare_queue_max + vsr_checkpoint_interval) with generous
// headroom for repair traffic.
func checkpointIntervalFor(layout storage.Layout) uint64 {
	return uint64(layout.SlotCount) / 4
}
