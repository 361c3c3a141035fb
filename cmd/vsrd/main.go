// Command vsrd is the minimal CLI collaborator spec §6 requires of the
// replication core: "format initializes a data file... start opens and
// runs a replica." Structurally this mirrors cmd/litefs/main.go's
// dispatch-to-a-Command-struct shape (NewRunCommand, NewSetClusterIDCommand),
// narrowed to the two subcommands this module actually owns.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "vsrd:", err)
		os.Exit(exitCodeFor(err))
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return flag.ErrHelp
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch args[0] {
	case "format":
		return NewFormatCommand().Run(ctx, args[1:])
	case "start":
		return NewStartCommand().Run(ctx, args[1:])
	case "-h", "-help", "--help", "help":
		printUsage()
		return flag.ErrHelp
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	fmt.Println(`
vsrd is the replication daemon for a single VSR replica.

Usage:

	vsrd <command> [arguments]

Commands:

	format   initialize a data file for a replica
	start    open and run a replica bound to its configured addresses
`[1:])
}
