package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/internal/server"
	"github.com/conveyorci/conveyor/internal/store"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run history over HTTP",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", ":8720", "listen address")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, root, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	addr, err := cmd.Flags().GetString("addr")
	if err != nil {
		return fmt.Errorf("parse --addr: %w", err)
	}

	path := storePath(root, cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	history, err := store.Open(path)
	if err != nil {
		return err
	}
	defer history.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "serving run history from %s on %s\n", path, addr)
	return server.New(history).Run(addr)
}
