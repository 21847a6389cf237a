// Command framestack is the operator and audit CLI for the frame index.
package main

import (
	"os"

	"github.com/Iron-Ham/framestack/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
