// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-irc runs the IRC side of a Matrix-IRC bridge: it manages
// one IRC connection per bridged Matrix user, deduplicates the events those
// connections hear, and hands the result to the attached event sink.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/mautrix-irc/pkg/bridge"
	"github.com/aiku/mautrix-irc/pkg/config"
	"github.com/aiku/mautrix-irc/pkg/datastore"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          "mautrix-irc",
	Short:        "IRC connection manager for a Matrix-IRC bridge",
	Version:      fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime),
	SilenceUsage: true,
	RunE:         run,
}

var generatePasskeyCmd = &cobra.Command{
	Use:   "generate-passkey <path>",
	Short: "Generate a key file for encrypting stored NickServ passwords",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := datastore.GenerateKeyFile(args[0]); err != nil {
			return err
		}
		fmt.Printf("Wrote new passkey to %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "minimum log level")
	rootCmd.AddCommand(generatePasskeyCmd)
}

func run(cmd *cobra.Command, _ []string) error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		Level(level).
		With().Timestamp().Logger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := datastore.NewMemStore()
	br, err := bridge.New(ctx, cfg, store, bridge.NewLogSink(log), log)
	if err != nil {
		return err
	}
	if err := br.Start(ctx); err != nil {
		return err
	}
	log.Info().
		Str("version", Tag).
		Int("servers", len(cfg.IrcService.Servers)).
		Msg("Bridge running")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	br.Stop()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
