// Package main is the entry point for the agentcore CLI.
package main

import (
	"os"

	"github.com/KafClaw/agentcore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
