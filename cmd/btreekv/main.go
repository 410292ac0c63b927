package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	httpapi "btreekv/internal/http"
	"btreekv/pkg/fatal"
	"btreekv/pkg/store"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:           "btreekv",
		Short:         "Transactional B-tree counter store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "btreekv:", err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := initConfig(configPath)
	if err != nil {
		return err
	}
	initLogger(&cfg)

	reporter := fatal.NewProcessReporter(os.Stderr)

	st, err := store.Open(ctx, cfg.DB, store.WithReporter(reporter))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	server := httpapi.NewServer(st, cfg.Server)
	if err := server.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("shutting down")

	if err := server.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}
	return nil
}
