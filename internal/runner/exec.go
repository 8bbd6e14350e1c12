// Package runner executes command steps as external processes with
// captured output.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/conveyorci/conveyor/internal/report"
	"github.com/conveyorci/conveyor/internal/workflow"
)

// Options configure how the runner executes steps.
type Options struct {
	Root      string
	Stdout    io.Writer
	Stderr    io.Writer
	Verbose   bool
	TailLines int
	Env       []string
	Now       func() time.Time
}

// Runner executes command steps one at a time.
type Runner struct {
	opts Options
}

// New creates a runner with the supplied options.
func New(opts Options) *Runner {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.TailLines <= 0 {
		opts.TailLines = 20
	}
	if opts.Env == nil {
		opts.Env = os.Environ()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{opts: opts}
}

// Run executes one command step. The result status is passed or failed;
// failures carry a class: process start problems are infrastructure,
// non-zero exits are job failures.
func (r *Runner) Run(ctx context.Context, name string, step *workflow.CommandStep) report.StepResult {
	result := report.StepResult{Name: name, Run: step.Run}

	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	env := mergeEnv(r.opts.Env, step.Env)
	cmdArgs := commandArgs(step.Shell, step.Run)

	workingDir, err := resolveWorkingDirectory(r.opts.Root, step.WorkingDir)
	if err != nil {
		result.Status = report.StepFailed
		result.Class = report.ClassInfra
		result.Stderr = err.Error()
		result.ExitCode = 127
		return result
	}

	cmd := exec.CommandContext(ctx, cmdArgs[0], cmdArgs[1:]...)
	cmd.Dir = workingDir
	cmd.Env = env

	var stdoutBuf, stderrBuf strings.Builder
	if r.opts.Verbose {
		cmd.Stdout = io.MultiWriter(r.opts.Stdout, &stdoutBuf)
		cmd.Stderr = io.MultiWriter(r.opts.Stderr, &stderrBuf)
	} else {
		cmd.Stdout = &stdoutBuf
		cmd.Stderr = &stderrBuf
	}

	start := r.opts.Now()
	err = cmd.Run()
	result.Duration = r.opts.Now().Sub(start)
	result.DurationMS = result.Duration.Milliseconds()
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	result.ExitCode = exitCode(err)

	if err != nil {
		result.Status = report.StepFailed
		result.Class = classify(ctx, err)
		result.Stdout = tailLines(result.Stdout, r.opts.TailLines)
		result.Stderr = tailLines(result.Stderr, r.opts.TailLines)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.Note = fmt.Sprintf("step exceeded timeout %s", step.Timeout)
		}
		return result
	}

	result.Status = report.StepPassed
	return result
}

// classify distinguishes infrastructure problems (the process never
// ran) from ordinary job failures (it ran and exited non-zero).
func classify(ctx context.Context, err error) report.FailureClass {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return report.ClassJob
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// Timeouts surface as ordinary failures at this layer.
		return report.ClassJob
	}
	return report.ClassInfra
}

func commandArgs(shellSpec, script string) []string {
	if shellSpec == "" {
		if runtime.GOOS == "windows" {
			return []string{"cmd", "/C", script}
		}
		return []string{"sh", "-c", script}
	}

	fields := strings.Fields(shellSpec)
	shell := fields[0]
	args := append([]string{}, fields[1:]...)

	switch strings.ToLower(filepath.Base(shell)) {
	case "cmd", "cmd.exe":
		args = append(args, "/C", script)
	case "pwsh", "powershell", "powershell.exe":
		args = append(args, "-Command", script)
	case "python", "python3", "python.exe":
		args = append(args, "-c", script)
	default:
		args = append(args, "-c", script)
	}
	return append([]string{shell}, args...)
}

func resolveWorkingDirectory(root, dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		if root == "" {
			wd, err := os.Getwd()
			if err != nil {
				return "", fmt.Errorf("determine working directory: %w", err)
			}
			return wd, nil
		}
		return root, nil
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("working directory %q not found", dir)
		}
		return "", fmt.Errorf("stat working directory %q: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %q is not a directory", dir)
	}
	return dir, nil
}

func mergeEnv(base []string, overlays ...map[string]string) []string {
	envMap := make(map[string]string, len(base)+len(overlays)*4)
	for _, kv := range base {
		if idx := strings.Index(kv, "="); idx != -1 {
			envMap[kv[:idx]] = kv[idx+1:]
		}
	}
	for _, overlay := range overlays {
		for k, v := range overlay {
			envMap[k] = v
		}
	}
	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, envMap[k]))
	}
	return out
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

func tailLines(input string, maxLines int) string {
	if input == "" {
		return ""
	}
	lines := strings.Split(strings.TrimRight(input, "\n"), "\n")
	if len(lines) <= maxLines {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-maxLines:], "\n")
}
