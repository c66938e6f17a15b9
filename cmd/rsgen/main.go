// Copyright (c) 2022–2024 The rsgen developers. All rights reserved.
// Project site: https://github.com/gotmc/rsgen
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Command rsgen drives a Rohde & Schwarz SMB/SMA signal generator from the
// shell.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gotmc/rsgen"
	"github.com/gotmc/rsgen/lib/connutil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// app carries what the subcommands share: resolved settings and the logger.
type app struct {
	v       *viper.Viper
	log     *zap.Logger
	verbose bool
	cfgFile string
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), log: zap.NewNop()}
	root := &cobra.Command{
		Use:   "rsgen",
		Short: "Control a Rohde & Schwarz SMB/SMA signal generator",
		Long: `rsgen sets frequency, level and RF output of a Rohde & Schwarz SMB100A,
SMA100B or similar generator, and configures list and level sweeps.

The generator is addressed by a VISA resource string:
  TCPIP0::192.168.1.20::inst0::INSTR     VXI-11
  TCPIP0::192.168.1.20::5025::SOCKET     raw SCPI socket
  GPIB0::28::INSTR                       through a Prologix GPIB-USB adapter
  ASRL/dev/ttyUSB0::INSTR                serial

Settings come from flags, RSGEN_* environment variables and rsgen.yaml in
the working directory or $HOME/.config/rsgen, in that order.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.log.Sync()
		},
	}

	pf := root.PersistentFlags()
	connutil.AddFlags(pf)
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&a.cfgFile, "config", "", "config file (default rsgen.yaml in . or $HOME/.config/rsgen)")

	root.AddCommand(
		a.idnCmd(),
		a.statusCmd(),
		a.freqCmd(),
		a.powerCmd(),
		a.limitCmd(),
		a.outputCmd(),
		a.localCmd(),
		a.sweepCmd(),
		a.panelCmd(),
		a.simulateCmd(),
		a.configCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	if err := connutil.Bind(a.v, cmd.Root().PersistentFlags()); err != nil {
		return err
	}
	if err := a.readConfig(); err != nil {
		return err
	}

	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if a.verbose || a.v.GetBool(connutil.KeyTrace) {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	log, err := config.Build()
	if err != nil {
		return errors.Wrap(err, "initializing logger")
	}
	a.log = log
	if f := a.v.ConfigFileUsed(); f != "" {
		a.log.Debug("using config file", zap.String("path", f))
	}
	return nil
}

// readConfig loads --config, or rsgen.yaml from the working directory or
// $HOME/.config/rsgen. A missing default file is not an error.
func (a *app) readConfig() error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.SetConfigName("rsgen")
		a.v.SetConfigType("yaml")
		a.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			a.v.AddConfigPath(filepath.Join(home, ".config", "rsgen"))
		}
	}
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrap(err, "reading config")
	}
	return nil
}

// conn returns the resolved connection settings.
func (a *app) conn() connutil.Conn {
	return connutil.Load(a.v)
}

// withGenerator wraps fn so it runs against a freshly opened generator that
// is released again afterwards.
func (a *app) withGenerator(fn func(cmd *cobra.Command, g *rsgen.Generator, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		g, cleanup, err := a.conn().Setup(cmdContext(cmd), a.log)
		if err != nil {
			return err
		}
		defer cleanup()
		return fn(cmd, g, args)
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
