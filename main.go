package main

import (
	"os"

	"github.com/trade-footprint/internal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}