// The main package for the metacrawler executable.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "metacrawler: %v\n", err)
		os.Exit(1)
	}
}
