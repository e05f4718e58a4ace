package main

import (
	"fmt"
	"os"

	"github.com/arnaav00/daemonset-capture/pkg/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sentryd: %v\n", err)
		os.Exit(1)
	}
}
