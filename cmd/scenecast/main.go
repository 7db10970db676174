package main

import (
	"os"

	"github.com/jo-hoe/scenecast/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
