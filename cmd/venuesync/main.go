package main

import (
	"os"

	"github.com/venuesync/venuesync/cmd/venuesync/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
