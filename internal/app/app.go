// Package app wires configuration into the image service for the binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/imagesaver/internal/config"
	"github.com/dunamismax/imagesaver/internal/images"
	"github.com/dunamismax/imagesaver/internal/saver"
	"github.com/dunamismax/imagesaver/internal/storage"
	"github.com/dunamismax/imagesaver/internal/store"
	"go.uber.org/zap"
)

type Components struct {
	Images  *images.Service
	Storage *storage.Client
	closers []func() error
}

// Close releases the database pool, if any.
func (c *Components) Close() error {
	var errs []error
	for _, closeFn := range c.closers {
		errs = append(errs, closeFn())
	}
	return errors.Join(errs...)
}

// SaverConfig maps environment settings onto a saver configuration.
func SaverConfig(cfg config.SaverConfig, logger *zap.Logger) saver.Config {
	attempts := cfg.DownloadAttempts
	if attempts < 1 {
		attempts = 1
	}
	return saver.Config{
		TargetDir:       cfg.TargetDir,
		ValidExtensions: cfg.ValidExtensions,
		Downloader: saver.NewHTTPDownloader(saver.HTTPDownloaderConfig{
			Timeout:  cfg.DownloadTimeout,
			Attempts: uint(attempts),
			Logger:   logger.Named("download"),
		}),
		Uploads: saver.MultipartParser{MaxBytes: cfg.MaxUploadBytes},
		Logger:  logger.Named("saver"),
	}
}

// Build opens the image store and object storage named by cfg and returns a
// ready image service. Postgres is used when a DSN is set and storage
// mirroring when an endpoint is set.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{}
	opts := images.Options{
		Saver:  SaverConfig(cfg.Saver, logger),
		Logger: logger.Named("images"),
	}

	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresImageStore(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open image store: %w", err)
		}
		c.closers = append(c.closers, pg.Close)
		opts.Store = pg
		logger.Info("image store ready", zap.String("backend", "postgres"))
	} else {
		logger.Info("image store ready", zap.String("backend", "memory"))
	}

	if cfg.Storage.Enabled() {
		client, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		c.Storage = client
		opts.Mirror = client
		logger.Info("object storage ready", zap.String("bucket", client.Bucket()))
	}

	svc, err := images.NewService(opts)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.Images = svc
	return c, nil
}
