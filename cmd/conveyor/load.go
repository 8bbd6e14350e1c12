package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/internal/config"
	"github.com/conveyorci/conveyor/internal/discovery"
	"github.com/conveyorci/conveyor/internal/filter"
	"github.com/conveyorci/conveyor/internal/workflow"
)

func loadConfig(cmd *cobra.Command) (config.Config, string, error) {
	root, err := os.Getwd()
	if err != nil {
		return config.Config{}, "", fmt.Errorf("determine working directory: %w", err)
	}

	cfg, err := config.Load(root)
	if err != nil {
		return config.Config{}, "", err
	}

	flags, err := gatherFlags(cmd)
	if err != nil {
		return config.Config{}, "", err
	}
	config.ApplyFlags(&cfg, flags)

	return cfg, root, nil
}

func loadDefinitions(root string, cfg config.Config) ([]workflow.Definition, error) {
	paths, err := discovery.Workflows(root, cfg.Workflows)
	if err != nil {
		if errors.Is(err, discovery.ErrNoWorkflows) {
			return nil, fmt.Errorf("no workflows found; specify --workflow to provide files")
		}
		return nil, err
	}
	defs, err := workflow.NewParser(root).Parse(paths)
	if err != nil {
		return nil, err
	}

	patterns, err := filter.Compile(cfg.Jobs)
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return defs, nil
	}
	filtered := make([]workflow.Definition, 0, len(defs))
	for _, def := range defs {
		def = filter.Jobs(def, patterns)
		if len(def.JobOrder) > 0 {
			filtered = append(filtered, def)
		}
	}
	return filtered, nil
}

func newLogger(verbose bool, out io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

func storePath(root string, cfg config.Config) string {
	if cfg.StorePath != "" {
		if filepath.IsAbs(cfg.StorePath) {
			return cfg.StorePath
		}
		return filepath.Join(root, cfg.StorePath)
	}
	return filepath.Join(root, ".conveyor", "runs.db")
}
