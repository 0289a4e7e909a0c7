package main

import (
	"os"

	"github.com/haikara-dev/gridshift/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
