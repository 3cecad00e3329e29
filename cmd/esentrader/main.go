package main

import (
	"os"

	"github.com/rustyeddy/esentrader/cmd/esentrader/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
