package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cardforge/cardforge/internal/blobstore"
	"github.com/cardforge/cardforge/internal/client"
	"github.com/cardforge/cardforge/internal/config"
	"github.com/cardforge/cardforge/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker process",
}

func init() {
	workerCmd.AddCommand(creatorCmd)
	workerCmd.AddCommand(downloaderCmd)
	workerCmd.AddCommand(writerCmd)
}

// runWorker wires the shared worker plumbing around a handler.
func runWorker(build func(cfg config.Worker, blob blobstore.Store) (worker.Handler, error), needsBlob bool) error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var blob blobstore.Store
	if needsBlob {
		blob, err = blobstore.NewS3Store(ctx, blobstore.S3Config{
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
	}

	handler, err := build(cfg, blob)
	if err != nil {
		return err
	}

	c := client.New(cfg.SchedulerURL, client.Credentials{
		Username: cfg.Username,
		Password: cfg.Password,
	})
	rt := worker.NewRuntime(c, handler, log, worker.Options{
		Slot:         cfg.Slot,
		WorkDir:      cfg.WorkDir,
		PollInterval: cfg.PollInterval,
		LogInterval:  cfg.LogInterval,
	})
	return rt.Run(ctx)
}

var creatorCmd = &cobra.Command{
	Use:   "creator",
	Short: "Build images and upload them to the blob store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(func(cfg config.Worker, blob blobstore.Store) (worker.Handler, error) {
			return worker.NewCreator(blob, cfg.BuildCmd, nil), nil
		}, true)
	},
}

var downloaderCmd = &cobra.Command{
	Use:   "downloader",
	Short: "Fetch built images onto this writer host",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(func(cfg config.Worker, blob blobstore.Store) (worker.Handler, error) {
			return worker.NewDownloader(blob, cfg.ImageDir, nil), nil
		}, true)
	},
}

var writerCmd = &cobra.Command{
	Use:   "writer",
	Short: "Burn downloaded images onto cards in this host's slot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(func(cfg config.Worker, blob blobstore.Store) (worker.Handler, error) {
			return worker.NewWriter(cfg.Device, cfg.ImageDir, cfg.WipeCmd, cfg.WriteCmd, nil), nil
		}, false)
	},
}
