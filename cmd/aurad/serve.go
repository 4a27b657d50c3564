package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aura-net/aura/pkg/agent"
	"github.com/aura-net/aura/pkg/archive"
	"github.com/aura-net/aura/pkg/config"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/observability"
	"github.com/aura-net/aura/pkg/storage"
)

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "device.toml", "path to the device configuration")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "aurad: %v\n", err)
		return 1
	}
	logger := observability.NewLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = cfg.Telemetry.ServiceName
	obsCfg.ServiceVersion = agent.AgentVersion
	obsCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	obsCfg.Enabled = cfg.Telemetry.OTLPEndpoint != ""
	obsCfg.Insecure = true
	telemetry, err := observability.New(ctx, obsCfg)
	if err != nil {
		fmt.Fprintf(stderr, "aurad: %v\n", err)
		return 1
	}
	defer func() { _ = telemetry.Shutdown(context.Background()) }()

	ident, err := loadIdentity(keyFilePath(cfg))
	if err != nil {
		fmt.Fprintf(stderr, "aurad: %v (run \"aurad init\" first)\n", err)
		return 1
	}

	store, closeStore, err := openStorage(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "aurad: %v\n", err)
		return 1
	}
	defer func() { _ = closeStore() }()

	blobs, err := openArchive(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "aurad: %v\n", err)
		return 1
	}

	a, err := agent.New(ctx, agent.Options{
		Config:  cfg,
		Account: ident.AccountID,
		Device:  ident.DeviceID,
		Signer:  ident.signer(),
		Storage: store,
		// The share-seal secret derives from the identity seed so sealed
		// key shares survive restarts but never leave this device.
		DeviceSecret: effects.DeriveSeed(ident.Seed, "share-seal"),
		Blobs:        blobs,
		ArchiveKey:   ident.ArchiveKey,
		Telemetry:    telemetry,
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "aurad: %v\n", err)
		return 1
	}
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "aurad: %v\n", err)
		return 1
	}
	return 0
}

func openStorage(cfg *config.Config) (effects.Storage, func() error, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		db, err := storage.NewSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	default: // "fs"; Load validated the backend already
		fsys, err := storage.NewFilesystem(filepath.Join(cfg.Device.DataDir, "storage"))
		if err != nil {
			return nil, nil, err
		}
		return fsys, func() error { return nil }, nil
	}
}

func openArchive(ctx context.Context, cfg *config.Config) (archive.Store, error) {
	switch cfg.Archive.Backend {
	case "s3":
		return archive.NewS3Store(ctx, archive.S3Config{
			Bucket:   cfg.Archive.S3.Bucket,
			Region:   cfg.Archive.S3.Region,
			Endpoint: cfg.Archive.S3.Endpoint,
			Prefix:   cfg.Archive.S3.Prefix,
		})
	case "gcs":
		return archive.NewGCSStore(ctx, archive.GCSConfig{
			Bucket: cfg.Archive.GCS.Bucket,
			Prefix: cfg.Archive.GCS.Prefix,
		})
	default:
		return nil, nil
	}
}
