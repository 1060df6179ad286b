// Command narrator reads Discord chat messages aloud in voice channels.
//
// Usage:
//
//	narrator [flags] <command> [args]
//
// Commands:
//
//	serve    - connect to Discord and narrate
//	migrate  - create the preference store schema
//	synth    - synthesize one utterance to a file
//	events   - follow the narration event feed
//	version  - print build information
package main

import (
	"fmt"
	"os"

	"github.com/MrWong99/narrator/cmd/narrator/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "narrator:", err)
		os.Exit(1)
	}
}
