package main

import (
	"fmt"
	"os"

	"github.com/chaos-io/imgforge/cmd"
)

func main() {
	if err := cmd.NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
