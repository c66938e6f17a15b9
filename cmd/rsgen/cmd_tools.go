// Copyright (c) 2022–2024 The rsgen developers. All rights reserved.
// Project site: https://github.com/gotmc/rsgen
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package main

import (
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gotmc/rsgen"
	"github.com/gotmc/rsgen/lib/panel"
	"github.com/gotmc/rsgen/lib/simulator"
)

func (a *app) panelCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "panel",
		Short: "Interactive terminal front panel",
		Long: `Shows the generator settings and accepts commands such as
"freq 2.4GHz", "pow -10dBm" or "out toggle". Type help for the list.`,
		Args: cobra.NoArgs,
		RunE: a.withGenerator(func(cmd *cobra.Command, g *rsgen.Generator, args []string) error {
			return panel.Run(g, panel.WithLogger(a.log), panel.WithRefreshInterval(interval))
		}),
	}
	cmd.Flags().DurationVar(&interval, "refresh", 2*time.Second, "re-read the instrument this often, 0 to disable")
	return cmd
}

func (a *app) simulateCmd() *cobra.Command {
	var (
		listen   string
		identity string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve a simulated generator on a raw SCPI socket",
		Long: `Listens for SCPI socket connections and answers them like a generator
would, so rsgen can be tried without hardware:

  rsgen simulate --listen 127.0.0.1:5025 &
  rsgen -r TCPIP0::127.0.0.1::5025::SOCKET status`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return errors.Wrapf(err, "listening on %s", listen)
			}
			st := simulator.DefaultState()
			st.Identity = identity
			sim := simulator.New(simulator.WithLogger(a.log), simulator.WithState(st))

			fmt.Fprintf(cmd.OutOrStdout(), "simulating %s on %s\n", identity, ln.Addr())
			a.log.Info("simulator listening", zap.Stringer("addr", ln.Addr()))
			return sim.Serve(cmdContext(cmd), ln)
		},
	}
	f := cmd.Flags()
	f.StringVar(&listen, "listen", "127.0.0.1:5025", "address to listen on")
	f.StringVar(&identity, "identity", simulator.DefaultIdentity, "reply to *IDN?")
	return cmd
}

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective connection settings as YAML",
		Long: `Prints the settings after flags, environment and config file are merged.
The output can be saved as rsgen.yaml.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(a.conn()); err != nil {
				return errors.Wrap(err, "encoding config")
			}
			return enc.Close()
		},
	}
}
