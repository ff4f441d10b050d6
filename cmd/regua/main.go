// Command regua compiles collection rules into per-invoice timelines and
// keeps them reconciled with the agenda.
//
// Usage:
//
//	regua validate ./templates
//	regua sync ./templates --template padrao --contract CT-001 --invoice INV-2024-06 --due 2024-06-10
//	regua run --config regua.yaml
package main

import (
	"fmt"
	"os"

	"github.com/roach88/regua/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
