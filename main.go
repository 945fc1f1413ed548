// Command stream-herald watches one Twitch broadcaster and announces its
// streams in a Telegram channel.
//
//   - `run` starts the poll loop, the announcement ticker and the HTTP server
//     (/healthz, /readyz, /status, /metrics and the admin routes).
//   - `check`, `status`, `reset`, `announce` and `test` are one-shot operator
//     commands that share the persisted state with a running daemon.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
