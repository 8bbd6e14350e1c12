package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/internal/cache"
	"github.com/conveyorci/conveyor/internal/config"
	"github.com/conveyorci/conveyor/internal/ctxlog"
	"github.com/conveyorci/conveyor/internal/engine"
	"github.com/conveyorci/conveyor/internal/graph"
	"github.com/conveyorci/conveyor/internal/output"
	"github.com/conveyorci/conveyor/internal/report"
	"github.com/conveyorci/conveyor/internal/runner"
	"github.com/conveyorci/conveyor/internal/store"
	"github.com/conveyorci/conveyor/internal/trigger"
	"github.com/conveyorci/conveyor/internal/workflow"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Evaluate triggers and execute matching workflows",
		RunE:  runExecute,
	}
}

func runExecute(cmd *cobra.Command, args []string) error {
	cfg, root, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Verbose, cmd.ErrOrStderr())
	ctx := ctxlog.WithLogger(cmd.Context(), logger)

	defs, err := loadDefinitions(root, cfg)
	if err != nil {
		return err
	}

	event := workflow.Event{Kind: cfg.Event, Branch: cfg.Branch}

	cacheDir := cfg.CacheDir
	if !filepath.IsAbs(cacheDir) {
		cacheDir = filepath.Join(root, cacheDir)
	}
	resolver := cache.New(root, cache.NewFS(cacheDir))

	eng := engine.New(engine.Options{
		Slots:   cfg.Slots,
		OSSlots: cfg.OSSlots,
		Cache:   resolver,
		Runner: runner.New(runner.Options{
			Root:    root,
			Stdout:  cmd.OutOrStdout(),
			Stderr:  cmd.ErrOrStderr(),
			Verbose: cfg.Verbose,
		}),
	})

	var history *store.SQLite
	if cfg.StorePath != "" {
		path := storePath(root, cfg)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create store directory: %w", err)
		}
		history, err = store.Open(path)
		if err != nil {
			return err
		}
		defer history.Close()
	}

	ran := 0
	failed := 0
	for _, def := range defs {
		ok, err := trigger.ShouldRun(event, def)
		if err != nil {
			return err
		}
		if !ok {
			logger.Debug("workflow not triggered", "workflow", def.Name, "event", event.Kind)
			continue
		}

		// Configuration errors abort the whole run before anything
		// executes; there is no partial report to render.
		g, err := graph.Build(def)
		if err != nil {
			return fmt.Errorf("workflow %q: %w", def.Name, err)
		}

		rc := engine.RunContext{RunID: uuid.NewString(), Workflow: def.Name, Event: event}
		result := eng.Execute(ctx, rc, g)
		summary := report.Summarize(result)
		ran++
		if summary.ExitCode != 0 {
			failed++
		}

		if err := renderRun(cmd, cfg, result, summary); err != nil {
			return err
		}

		if history != nil {
			if err := history.SaveRun(result); err != nil {
				logger.Warn("recording run failed", "run_id", result.RunID, "error", err)
			}
		}
	}

	if ran == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No workflows triggered by %s event\n", event.Kind)
		return nil
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d workflow runs failed", failed, ran)
	}
	return nil
}

func renderRun(cmd *cobra.Command, cfg config.Config, result report.RunResult, summary report.Summary) error {
	switch strings.ToLower(cfg.Format) {
	case config.FormatPretty:
		return output.NewPretty(cmd.OutOrStdout()).RenderRun(result, summary)
	case config.FormatJSON:
		return output.NewJSON(cmd.OutOrStdout()).Render(output.Document{Run: &result, Summary: summary})
	default:
		return fmt.Errorf("unsupported format %q", cfg.Format)
	}
}
