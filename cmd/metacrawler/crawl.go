package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl until the registry has no more work",
		Long: `Polls the registry for tokens, fetches their metadata with a bounded worker
pool and persists results in batches. Exits once the registry returns an empty
page and every fetched token has been persisted or dropped.`,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	if srv := appInstance.Server(); srv != nil {
		port := appInstance.Config().Server.Port
		go func() {
			if err := srv.ListenAndServe(port); err != nil {
				logger.Error("ops server failed", zap.Error(err))
			}
		}()
	}

	stats, err := appInstance.Pipeline().Run(cmd.Context())
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawler: %w", err)
	}
	logger.Info("crawl command finished",
		zap.String("run_id", stats.RunID),
		zap.Int64("persisted", stats.Persisted),
		zap.Int64("dropped", stats.Dropped),
	)
	return nil
}
