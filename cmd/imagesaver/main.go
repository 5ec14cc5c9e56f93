package main

import (
	"os"

	"github.com/dunamismax/imagesaver/internal/cli"
	"github.com/dunamismax/imagesaver/internal/pipeline"
)

func main() {
	err := cli.Execute()
	pipeline.Shutdown()
	if err != nil {
		os.Exit(1)
	}
}
