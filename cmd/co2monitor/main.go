package main

import (
	"os"

	"github.com/kjstillabower/co2-monitor/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
