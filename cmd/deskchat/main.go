// deskchat - operator console for the shop's customer chat
//
// Keeps a local, live-updated copy of every conversation:
// 1. Loads the conversation history from the back office API
// 2. Connects to the chat hub for pushed messages and read receipts
// 3. Sends replies and read markers back through the hub
//
// History stays usable when the hub is down; only live updates stop.
package main

import (
	"fmt"
	"os"

	"github.com/shopdesk/deskchat/internal/commands"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
