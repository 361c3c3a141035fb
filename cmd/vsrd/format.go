package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/vsrdb/vsr/config"
	"github.com/vsrdb/vsr/storage"
	"github.com/vsrdb/vsr/superblock"
)

// FormatCommand initializes a data file for (cluster, replica, addresses),
// the first half of spec §6's "CLI surface" contract. Its Run method,
// which parses its own flags, mirrors cmd/litefs's per-command structs
// (NewRunCommand, NewSetClusterIDCommand).
type FormatCommand struct {
	Path      string
	ConfigPath string
	ClusterID uint64
	ReplicaID uint64
	Release   uint64
}

// NewFormatCommand returns a new FormatCommand.
func NewFormatCommand() *FormatCommand { return &FormatCommand{} }

// Run parses flags and formats the data file.
func (c *FormatCommand) Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("vsrd-format", flag.ContinueOnError)
	fs.StringVar(&c.Path, "path", "", "data file path")
	fs.StringVar(&c.ConfigPath, "config", "", "config file path (cluster-id, replica-id, release, layout)")
	fs.Uint64Var(&c.ClusterID, "cluster-id", 0, "cluster id (overrides config)")
	fs.Uint64Var(&c.ReplicaID, "replica-id", 0, "replica id (overrides config)")
	fs.Uint64Var(&c.Release, "release", 0, "release this replica starts on (overrides config; default 1)")
	fs.Usage = func() {
		fmt.Println(`
The format command initializes a new, empty data file for a single
replica: an empty superblock, WAL, client-reply cache and grid, sized
according to the config file's layout section.

Usage:

	vsrd format [arguments]

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

	cfg := config.NewConfig()
	if c.ConfigPath != "" {
		loaded, err := config.Load(c.ConfigPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if c.ClusterID != 0 {
		cfg.ClusterID = c.ClusterID
	}
	if c.ReplicaID != 0 {
		cfg.ReplicaID = uint8(c.ReplicaID)
	}
	if c.Release != 0 {
		cfg.Release = uint32(c.Release)
	}
	if cfg.Release == 0 {
		cfg.Release = 1
	}

	layout := cfg.Layout()
	driver, err := storage.OpenFileDriver(c.Path, layout)
	if err != nil {
		return fmt.Errorf("open data file: %w", err)
	}
	defer driver.Close()

	if _, err := superblock.Format(ctx, driver, layout, cfg.ClusterID, cfg.ReplicaID, cfg.Release); err != nil {
		return fmt.Errorf("format superblock: %w", err)
	}

	fmt.Printf("formatted %s: cluster=%d replica=%d release=%d\n", c.Path, cfg.ClusterID, cfg.ReplicaID, cfg.Release)
	return nil
}
