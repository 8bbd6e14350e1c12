package output

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/conveyorci/conveyor/internal/graph"
	"github.com/conveyorci/conveyor/internal/report"
	"github.com/conveyorci/conveyor/internal/workflow"
)

// PrettyRenderer renders run results in a human-friendly format.
type PrettyRenderer struct {
	out io.Writer
}

// NewPretty creates a PrettyRenderer writing to the provided writer.
func NewPretty(out io.Writer) *PrettyRenderer {
	return &PrettyRenderer{out: out}
}

// RenderList renders workflows with their expanded instances.
func (p *PrettyRenderer) RenderList(defs []workflow.Definition, graphs []*graph.Graph) error {
	for i, def := range defs {
		if _, err := fmt.Fprintf(p.out, "Workflow %s\n", decorateName(def.Name, def.Path)); err != nil {
			return err
		}
		for _, node := range graphs[i].Nodes {
			suffix := ""
			if len(node.Instance.Needs) > 0 {
				suffix = fmt.Sprintf(" [needs: %s]", strings.Join(node.Instance.Needs, ", "))
			}
			if _, err := fmt.Fprintf(p.out, "  Instance %s%s\n", node.ID(), suffix); err != nil {
				return err
			}
			for _, step := range node.Instance.Steps {
				label := step.Name
				if step.Command != nil && label == "" {
					label = step.Command.Run
				}
				if _, err := fmt.Fprintf(p.out, "    • %s\n", label); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// RenderRun shows per-instance outcomes with a summary line.
func (p *PrettyRenderer) RenderRun(result report.RunResult, summary report.Summary) error {
	var buffer bytes.Buffer

	fmt.Fprintf(&buffer, "Run %s: workflow %s (%s", result.RunID, result.Workflow, result.Event.Kind)
	if result.Event.Branch != "" {
		fmt.Fprintf(&buffer, " on %s", result.Event.Branch)
	}
	fmt.Fprintf(&buffer, ")\n")

	for _, in := range result.Instances {
		fmt.Fprintf(&buffer, "  %s %s (%s)", statusGlyph(in.State), in.ID, formatDuration(in.Duration))
		if in.Class != report.ClassNone && in.State != report.StateSucceeded {
			fmt.Fprintf(&buffer, " [%s]", in.Class)
		}
		fmt.Fprintln(&buffer)
		for _, step := range in.Steps {
			if step.Status == report.StepFailed {
				fmt.Fprintf(&buffer, "    ✗ %s\n", step.Name)
				if step.Stderr != "" {
					fmt.Fprintf(&buffer, "      stderr: %s\n", indent(step.Stderr, "      "))
				}
				if step.Note != "" {
					fmt.Fprintf(&buffer, "      note: %s\n", step.Note)
				}
			} else if step.Note != "" {
				fmt.Fprintf(&buffer, "    - %s: %s\n", step.Name, step.Note)
			}
		}
	}

	if _, err := buffer.WriteTo(p.out); err != nil {
		return err
	}

	fmt.Fprintf(p.out, "SUMMARY: %s, %d succeeded, %d failed, %d cancelled, %d skipped (%s)\n",
		strings.ToUpper(string(summary.Status)), summary.Succeeded, summary.Failed,
		summary.Cancelled, summary.Skipped, formatDuration(summary.Duration))
	return nil
}

func decorateName(name, path string) string {
	if name == "" || name == path {
		return path
	}
	return fmt.Sprintf("%s (%s)", name, path)
}

func statusGlyph(state report.State) string {
	switch state {
	case report.StateSucceeded:
		return "✓"
	case report.StateFailed:
		return "✗"
	case report.StateCancelled:
		return "⊘"
	case report.StateSkipped:
		return "-"
	default:
		return "?"
	}
}

func indent(s, pad string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	for i := 1; i < len(lines); i++ {
		lines[i] = pad + lines[i]
	}
	return strings.Join(lines, "\n")
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Truncate(time.Millisecond).String()
}
