// Command vibe is the VibeFS CLI front-end.
package main

import (
	"fmt"
	"os"

	"github.com/vibefs/vibefs/cmd/vibefs/commands"
	"github.com/vibefs/vibefs/internal/vibeerrors"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vibe:", err)
		os.Exit(vibeerrors.ExitCode(err))
	}
}
