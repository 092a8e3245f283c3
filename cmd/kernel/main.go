package main

import (
	"fmt"
	"os"

	"github.com/loomlab/loom/kernel/cmd/kernel/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
