package main

import (
	"fmt"
	"os"

	"github.com/Brownie44l1/pneumo-api/cmd/pneumo/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
