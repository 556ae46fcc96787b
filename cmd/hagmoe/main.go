// Package main provides the HAG-MoE command line tool.
//
// Commands:
//
//	hagmoe route    route a synthetic batch and print per-expert load
//	hagmoe train    train the gate on a synthetic routing task
//	hagmoe version  show version
package main

import (
	"context"
	"fmt"
	"os"
)

const version = "v0.1.0"

func main() {
	if err := NewCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
