package main

import (
	"os"

	"github.com/rafaeljc/segmentation/cmd/segmentctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
