// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

// Package process wires the shared bootstrap for livetable binaries:
// flag-configured logging, viper based configuration and debug endpoints.
package process

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// Error is the process error class.
var Error = errs.Class("process")

// DefaultConfigDir returns the default location of the config directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".livetable"
	}
	return filepath.Join(home, ".livetable")
}

// Execute runs a root command with process-wide configuration: every flag
// can come from the config file or from a LIVETABLE_ prefixed environment
// variable.
func Execute(cmd *cobra.Command) {
	cfgFile := flag.String("config",
		filepath.Join(DefaultConfigDir(), "config.yaml"), "config file")

	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	cobra.OnInitialize(func() {
		Must(viper.BindPFlags(cmd.Flags()))
		viper.SetEnvPrefix("livetable")
		viper.AutomaticEnv()
		if *cfgFile != "" {
			viper.SetConfigFile(*cfgFile)
			// a missing config file is fine, flags and env still apply
			_ = viper.ReadInConfig()
		}
	})

	Must(cmd.Execute())
}

// Ctx returns a context cancelled by SIGINT or SIGTERM.
func Ctx() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

// SaveConfig writes the command's current flag values as a config file.
func SaveConfig(cmd *cobra.Command, outfile string) error {
	vip := viper.New()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return Error.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(outfile), 0700); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(vip.WriteConfigAs(outfile))
}

// Must exits the process on error.
func Must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
