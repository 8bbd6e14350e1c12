package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/conveyorci/conveyor/internal/workflow"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var cfgErr *workflow.ConfigError
		if errors.As(err, &cfgErr) {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}
