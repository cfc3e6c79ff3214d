package main

import (
	"os"

	"github.com/osprey-io/osprey/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
