// pilot is the CLI for managing a town of coordinated AI coding agents.
package main

import (
	"os"

	"github.com/steveyegge/pilot/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
