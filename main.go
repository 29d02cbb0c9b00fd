package main

import (
	"os"

	"github.com/voltwise/autopilot/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
