// Command livemirror serves documents over the live-mirror websocket
// protocol and ships a small scoreboard client that watches it.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
