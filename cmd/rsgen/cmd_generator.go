// Copyright (c) 2022–2024 The rsgen developers. All rights reserved.
// Project site: https://github.com/gotmc/rsgen
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/gotmc/rsgen"
	"github.com/gotmc/rsgen/lib/connutil"
	"github.com/gotmc/rsgen/lib/panel"
)

func (a *app) idnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "idn",
		Short: "Print the instrument identification",
		Args:  cobra.NoArgs,
		RunE: a.withGenerator(func(cmd *cobra.Command, g *rsgen.Generator, args []string) error {
			id, err := g.Identify()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-13s %s\n", "manufacturer", id.Manufacturer)
			fmt.Fprintf(out, "%-13s %s\n", "model", id.Model)
			fmt.Fprintf(out, "%-13s %s\n", "serial", id.SerialNumber)
			fmt.Fprintf(out, "%-13s %s\n", "firmware", id.Firmware)
			return nil
		}),
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print frequency, level, limit, RF output and sweep mode",
		Args:  cobra.NoArgs,
		RunE: a.withGenerator(func(cmd *cobra.Command, g *rsgen.Generator, args []string) error {
			// Without remote mode the cache was never filled.
			if a.v.GetBool(connutil.KeyNoRemote) {
				if err := g.Refresh(); err != nil {
					return err
				}
			}
			mode, err := g.QuerySweepMode()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %s\n", "frequency", panel.FormatFrequency(g.Frequency()))
			fmt.Fprintf(out, "%-10s %s\n", "level", formatLevel(g.Power()))
			fmt.Fprintf(out, "%-10s %s\n", "limit", formatLevel(g.PowerLimit()))
			fmt.Fprintf(out, "%-10s %s\n", "output", onOff(g.OutputState()))
			fmt.Fprintf(out, "%-10s %s\n", "mode", mode)
			return nil
		}),
	}
}

func (a *app) freqCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "freq [hz]",
		Aliases: []string{"frequency"},
		Short:   "Read or set the CW frequency",
		Long: `Without an argument the frequency is read from the instrument. The value
takes an optional GHz, MHz, kHz or Hz suffix, e.g. 2.4GHz.`,
		Args: cobra.MaximumNArgs(1),
		RunE: a.withGenerator(func(cmd *cobra.Command, g *rsgen.Generator, args []string) error {
			if len(args) == 0 {
				hz, err := g.QueryFrequency()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), panel.FormatFrequency(hz))
				return nil
			}
			hz, err := panel.ParseFrequency(args[0])
			if err != nil {
				return err
			}
			return g.SetFrequency(hz)
		}),
	}
}

func (a *app) powerCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "power [level]",
		Aliases: []string{"pow", "level"},
		Short:   "Read or set the RF level",
		Long: `Without an argument the level is read from the instrument. The value is in
volts unless it ends in mV or dBm. Put negative dBm values after --, e.g.
rsgen power -- -10dBm.`,
		Args: cobra.MaximumNArgs(1),
		RunE: a.withGenerator(func(cmd *cobra.Command, g *rsgen.Generator, args []string) error {
			if len(args) == 0 {
				v, err := g.QueryPower()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatLevel(v))
				return nil
			}
			v, err := panel.ParseLevel(args[0])
			if err != nil {
				return err
			}
			return g.SetPower(v)
		}),
	}
}

func (a *app) limitCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "limit [level]",
		Aliases: []string{"lim"},
		Short:   "Read or set the RF level limit",
		Args:    cobra.MaximumNArgs(1),
		RunE: a.withGenerator(func(cmd *cobra.Command, g *rsgen.Generator, args []string) error {
			if len(args) == 0 {
				v, err := g.QueryPowerLimit()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatLevel(v))
				return nil
			}
			v, err := panel.ParseLevel(args[0])
			if err != nil {
				return err
			}
			return g.SetPowerLimit(v)
		}),
	}
}

func (a *app) outputCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "output [on|off|toggle]",
		Aliases:   []string{"out", "rf"},
		Short:     "Read or switch the RF output",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off", "toggle"},
		RunE: a.withGenerator(func(cmd *cobra.Command, g *rsgen.Generator, args []string) error {
			if len(args) == 0 {
				on, err := g.QueryOutputState()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), onOff(on))
				return nil
			}
			switch strings.ToLower(args[0]) {
			case "on":
				return g.SetOutputState(true)
			case "off":
				return g.SetOutputState(false)
			case "toggle":
				return g.ToggleOutputState()
			}
			return errors.Errorf("unknown output state %q", args[0])
		}),
	}
}

func (a *app) localCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "local",
		Short: "Return the instrument to front panel control",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.conn()
			c.NoRemote = true
			_, cleanup, err := c.Setup(cmdContext(cmd), a.log)
			if err != nil {
				return err
			}
			// Releasing the generator sends &GTL.
			cleanup()
			return nil
		},
	}
}

func formatLevel(volts float64) string {
	if volts <= 0 {
		return fmt.Sprintf("%g V", volts)
	}
	return fmt.Sprintf("%g V (%.2f dBm)", volts, rsgen.VoltsToDBm(volts))
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
