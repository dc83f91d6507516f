package main

import (
	"io"
	"os"

	"darwin/internal/logging"
	"darwin/internal/tracker"

	"github.com/spf13/cobra"
)

// maxHookPayload bounds what we read from the host. Lifecycle events are
// small; anything larger is garbage.
const maxHookPayload = 1 << 20

// hookCmd receives one host lifecycle event as JSON on stdin. It must never
// fail the host: every error path logs and exits 0.
var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Ingest one host lifecycle event from stdin",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		rt, err := newRuntime()
		if err != nil {
			logging.HookError("hook startup: %v", err)
			return
		}

		raw, err := io.ReadAll(io.LimitReader(os.Stdin, maxHookPayload))
		if err != nil {
			logging.HookError("read event: %v", err)
			return
		}

		t := tracker.New(rt.events, tracker.NewStateStore(rt.cfg.DataDir), rt.store)
		if err := t.Handle(raw); err != nil {
			// Already logged inside the tracker; nothing else to do. The
			// host never sees a non-zero exit from this path.
			logging.HookDebug("event dropped: %v", err)
		}
	},
}
