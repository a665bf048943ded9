package main

import (
	"os"

	"github.com/ratebeam/ratebeam-go/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
