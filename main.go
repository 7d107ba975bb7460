package main

import (
	"os"

	"github.com/hpctools/slurmtunnel/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
