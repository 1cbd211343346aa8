package main

import (
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/empower1/nodetcp/cmd/tcpnode/cli"
)

func main() {
	if err := cli.NewCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
