package main

import (
	"os"

	"github.com/orcaflow/orcaflow/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
