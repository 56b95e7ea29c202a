// Command bioblocks edits a link-in-bio profile with a live preview.
package main

import (
	"fmt"
	"os"

	"github.com/livetemplate/bioblocks/cmd/bioblocks/commands"
)

// These are variables so that they can be set during the build time.
var (
	BuildVersion = "0.1.0-dev"
	Commit       = "unknown"
)

func main() {
	root := commands.Root()
	root.Version = fmt.Sprintf("%s (%s)", BuildVersion, Commit)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
