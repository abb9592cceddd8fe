// Command cachectl is an operator tool for inspecting and maintaining an
// rcache directory out-of-process: reporting occupancy, forcing an eviction
// pass, or wiping the cache outright.
package main

import (
	"fmt"
	"os"

	"github.com/render-cache/rcache/cmd/cachectl/commands"
)

func main() {
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
