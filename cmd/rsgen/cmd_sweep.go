// Copyright (c) 2022–2024 The rsgen developers. All rights reserved.
// Project site: https://github.com/gotmc/rsgen
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gotmc/rsgen"
	"github.com/gotmc/rsgen/lib/plan"
)

func (a *app) sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Configure, start and stop list and level sweeps",
	}
	cmd.AddCommand(
		a.sweepListCmd(),
		a.sweepPowerCmd(),
		a.sweepStartCmd(),
		a.sweepStopCmd(),
		a.sweepPlanCmd(),
	)
	return cmd
}

func (a *app) sweepListCmd() *cobra.Command {
	var (
		s   rsgen.ListSweep
		run bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Write a frequency/level list and arm it",
		Long: `Writes the list to the instrument's list file and arms a single triggered
list sweep. Without --freq every point uses the current frequency, without
--level the current level. Levels are in volts, dwell times in seconds.

Example:
  rsgen sweep list --freq 1e9,1.5e9,2e9 --level 0.1,0.2,0.1 --dwell 0.01 --run`,
		Args: cobra.NoArgs,
		RunE: a.withGenerator(func(cmd *cobra.Command, g *rsgen.Generator, args []string) error {
			if err := g.SetSweepList(s); err != nil {
				return err
			}
			n := max(len(s.Frequencies), len(s.Powers))
			fmt.Fprintf(cmd.OutOrStdout(), "list sweep armed, %d points\n", n)
			if !run {
				return nil
			}
			return g.StartSweep()
		}),
	}
	f := cmd.Flags()
	f.Float64SliceVar(&s.Frequencies, "freq", nil, "frequencies in Hz")
	f.Float64SliceVar(&s.Powers, "level", nil, "levels in V")
	f.Float64SliceVar(&s.Dwell, "dwell", nil, "dwell time in s, one for all points or one per point")
	f.BoolVar(&s.Repeat, "repeat", false, "repeat the list continuously")
	f.BoolVar(&run, "run", false, "trigger the sweep once armed")
	return cmd
}

func (a *app) sweepPowerCmd() *cobra.Command {
	var (
		s   rsgen.PowerSweep
		run bool
	)
	cmd := &cobra.Command{
		Use:   "power",
		Short: "Configure a level sweep and arm it",
		Long: `Arms a single triggered level sweep from --start to --stop volts.

Example:
  rsgen sweep power --start 0.01 --stop 0.5 --dwell 0.005 --run`,
		Args: cobra.NoArgs,
		RunE: a.withGenerator(func(cmd *cobra.Command, g *rsgen.Generator, args []string) error {
			if err := g.SetPowerSweepRange(s); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "level sweep armed, %s to %s\n", formatLevel(s.Start), formatLevel(s.Stop))
			if !run {
				return nil
			}
			return g.StartSweep()
		}),
	}
	f := cmd.Flags()
	f.Float64Var(&s.Start, "start", 0, "start level in V")
	f.Float64Var(&s.Stop, "stop", 0, "stop level in V")
	f.Float64Var(&s.Dwell, "dwell", rsgen.DefaultDwell, "dwell time per step in s")
	f.BoolVar(&s.Repeat, "repeat", false, "sweep continuously")
	f.BoolVar(&run, "run", false, "trigger the sweep once armed")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("stop")
	return cmd
}

func (a *app) sweepStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Trigger the sweep armed on the instrument",
		Args:  cobra.NoArgs,
		RunE: a.withGenerator(func(cmd *cobra.Command, g *rsgen.Generator, args []string) error {
			mode, err := g.QuerySweepMode()
			if err != nil {
				return err
			}
			if err := g.StartSweep(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s started\n", mode)
			return nil
		}),
	}
}

func (a *app) sweepStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Return frequency and level to CW",
		Args:  cobra.NoArgs,
		RunE: a.withGenerator(func(cmd *cobra.Command, g *rsgen.Generator, args []string) error {
			return g.StopSweep()
		}),
	}
}

func (a *app) sweepPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <file>",
		Short: "Apply a sweep plan from a YAML file",
		Long: `Reads a YAML sweep plan, validates it and applies it. For example:

  kind: list
  frequencies: [1e9, 1.5e9, 2e9]
  powers: [0.1, 0.2, 0.1]
  dwell: [0.01]
  output: true
  run: true`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Validate before touching the instrument.
			p, err := plan.Load(args[0])
			if err != nil {
				return err
			}
			return a.withGenerator(func(cmd *cobra.Command, g *rsgen.Generator, args []string) error {
				if err := p.Apply(g); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s applied\n", g.SweepMode())
				return nil
			})(cmd, args)
		},
	}
}
