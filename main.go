package main

import (
	"fmt"
	"os"

	"gitpulse.dev/indexer/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
