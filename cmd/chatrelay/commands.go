// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/chatrelay/services/orchestrator"
	"github.com/AleutianAI/chatrelay/services/orchestrator/datatypes"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Relay chat turns to a completion provider and stream the reply",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"YAML config file (environment variables override it)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the chat log table for the postgres or sqlite backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), configPath, cmd.OutOrStdout())
		},
	}

	normalizeCmd := &cobra.Command{
		Use:   "normalize",
		Short: "Normalize a chat request body read from stdin and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNormalize(cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	rootCmd.AddCommand(serveCmd, migrateCmd, normalizeCmd)
	return rootCmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := orchestrator.LoadConfig(configPath)
	if err != nil {
		return err
	}

	svc, err := orchestrator.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("create relay: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return svc.Run(ctx)
}

func runMigrate(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := orchestrator.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	store, ok, err := orchestrator.OpenSQLLogStore(ctx, cfg.LogStore)
	if !ok {
		return fmt.Errorf("backend %q has no schema to migrate", cfg.LogStore.Backend)
	}
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "chat log schema ready (%s)\n", cfg.LogStore.Backend)
	return nil
}

// normalizeOutput mirrors what the relay would send to the provider.
type normalizeOutput struct {
	Valid    bool                `json:"valid"`
	Messages []datatypes.Message `json:"messages"`
}

func runNormalize(in io.Reader, out io.Writer) error {
	var req datatypes.ChatRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}

	conv := datatypes.Normalize(req.Messages)
	messages := conv.Messages
	if messages == nil {
		messages = []datatypes.Message{}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(normalizeOutput{Valid: conv.Valid, Messages: messages})
}
