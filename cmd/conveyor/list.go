package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/internal/config"
	"github.com/conveyorci/conveyor/internal/graph"
	"github.com/conveyorci/conveyor/internal/output"
	"github.com/conveyorci/conveyor/internal/report"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows with their expanded job instances",
		RunE:  runList,
	}
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, root, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	defs, err := loadDefinitions(root, cfg)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No workflows found")
		return nil
	}

	graphs := make([]*graph.Graph, 0, len(defs))
	for _, def := range defs {
		g, err := graph.Build(def)
		if err != nil {
			return fmt.Errorf("workflow %q: %w", def.Name, err)
		}
		graphs = append(graphs, g)
	}

	switch strings.ToLower(cfg.Format) {
	case config.FormatPretty:
		return output.NewPretty(cmd.OutOrStdout()).RenderList(defs, graphs)
	case config.FormatJSON:
		return output.NewJSON(cmd.OutOrStdout()).Render(output.Document{
			Workflows: defs,
			Summary:   listSummary(graphs),
		})
	default:
		return fmt.Errorf("unsupported format %q", cfg.Format)
	}
}

func listSummary(graphs []*graph.Graph) report.Summary {
	var total int
	for _, g := range graphs {
		total += len(g.Nodes)
	}
	return report.Summary{Status: report.StateSucceeded, Total: total}
}
