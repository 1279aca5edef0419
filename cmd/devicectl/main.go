package main

import (
	"os"

	"github.com/psantana5/devicectl/cmd/devicectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
