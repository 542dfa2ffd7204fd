package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cardforge/cardforge/internal/api"
	"github.com/cardforge/cardforge/internal/blobstore"
	"github.com/cardforge/cardforge/internal/config"
	"github.com/cardforge/cardforge/internal/notify"
	"github.com/cardforge/cardforge/internal/scheduler"
	"github.com/cardforge/cardforge/internal/store"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduler: API server and reconciliation sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadScheduler()
		if err != nil {
			return err
		}
		log := config.NewLogger(cfg.Log)

		s, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer s.Close()

		var notifier notify.Notifier = &notify.LogNotifier{Log: log}
		if cfg.WebhookURL != "" {
			notifier = notify.Multi{
				&notify.LogNotifier{Log: log},
				notify.NewWebhookNotifier(cfg.WebhookURL, log),
			}
		}

		service := scheduler.NewService(s, notifier, log, cfg.Retention)
		sweeper := scheduler.NewSweeper(service, log, cfg.SweepEvery)
		server := api.NewServer(service, log, cfg.JWTSecret)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Blob.Endpoint != "" {
			blob, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
				Endpoint:      cfg.Blob.Endpoint,
				AccessKey:     cfg.Blob.AccessKey,
				SecretKey:     cfg.Blob.SecretKey,
				Bucket:        cfg.Blob.Bucket,
				UseSSL:        cfg.Blob.UseSSL,
				PublicBaseURL: cfg.Blob.PublicBaseURL,
			})
			if err != nil {
				return err
			}
			sweeper.SetBlobStore(blob)
		}

		go sweeper.Run(ctx)
		return server.Run(ctx, cfg.Listen)
	},
}
