package main

import (
	"os"

	"bitmesh/cmd/bitmeshd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
