package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/internal/config"
)

func gatherFlags(cmd *cobra.Command) (config.FlagValues, error) {
	flags := cmd.Flags()
	var values config.FlagValues

	if flags.Changed("workflow") {
		v, err := flags.GetStringArray("workflow")
		if err != nil {
			return values, fmt.Errorf("parse --workflow: %w", err)
		}
		values.Workflows = config.SliceFlag{Values: append([]string{}, v...)}
	}

	if flags.Changed("job") {
		v, err := flags.GetStringArray("job")
		if err != nil {
			return values, fmt.Errorf("parse --job: %w", err)
		}
		values.Jobs = config.SliceFlag{Values: append([]string{}, v...)}
	}

	if flags.Changed("event") {
		v, err := flags.GetString("event")
		if err != nil {
			return values, fmt.Errorf("parse --event: %w", err)
		}
		values.Event = config.StringFlag{Value: v, Set: true}
	}

	if flags.Changed("branch") {
		v, err := flags.GetString("branch")
		if err != nil {
			return values, fmt.Errorf("parse --branch: %w", err)
		}
		values.Branch = config.StringFlag{Value: v, Set: true}
	}

	if flags.Changed("slots") {
		v, err := flags.GetInt("slots")
		if err != nil {
			return values, fmt.Errorf("parse --slots: %w", err)
		}
		values.Slots = config.IntFlag{Value: v, Set: true}
	}

	if flags.Changed("cache-dir") {
		v, err := flags.GetString("cache-dir")
		if err != nil {
			return values, fmt.Errorf("parse --cache-dir: %w", err)
		}
		values.CacheDir = config.StringFlag{Value: v, Set: true}
	}

	if flags.Changed("store") {
		v, err := flags.GetString("store")
		if err != nil {
			return values, fmt.Errorf("parse --store: %w", err)
		}
		values.StorePath = config.StringFlag{Value: v, Set: true}
	}

	if flags.Changed("format") {
		v, err := flags.GetString("format")
		if err != nil {
			return values, fmt.Errorf("parse --format: %w", err)
		}
		values.Format = config.StringFlag{Value: v, Set: true}
	}

	if flags.Changed("verbose") {
		v, err := flags.GetBool("verbose")
		if err != nil {
			return values, fmt.Errorf("parse --verbose: %w", err)
		}
		values.Verbose = config.BoolFlag{Value: v, Set: true}
	}

	return values, nil
}
