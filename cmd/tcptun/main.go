// Command tcptun runs one side of a point-to-point TUN-over-TCP tunnel:
// a listening server or a dialing client, depending on --server.
package main

import (
	"fmt"
	"os"

	"go.tuntcp.dev/tcptun/internal/config"
	"go.tuntcp.dev/tcptun/internal/engine"
	"go.tuntcp.dev/tcptun/internal/session"
	"go.tuntcp.dev/tcptun/internal/vlog"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	level := vlog.LevelError
	if cfg.Verbose {
		level = vlog.LevelVerbose
	}
	log := vlog.NewStderr(level, "tcptun")

	outcome := session.New(cfg, log).Run()
	switch outcome.Reason {
	case engine.ReasonLocalExit, engine.ReasonRemoteExit:
		if outcome.Err != nil {
			log.Errorf("session ended: %v", outcome.Err)
		}
		return 0
	default:
		log.Errorf("session failed: %v", outcome.Err)
		return 1
	}
}
