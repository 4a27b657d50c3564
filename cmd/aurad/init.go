package main

import (
	"context"
	cryptorand "crypto/rand"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/config"
	"github.com/aura-net/aura/pkg/effects"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/ledger"
	"github.com/aura-net/aura/pkg/observability"
	"github.com/aura-net/aura/pkg/storage"
)

// runInit creates the device identity. With no -account it also creates
// the account itself: a fresh archive key and the genesis event in local
// storage. With -account it only mints the device; the account's current
// devices must still admit it before anything syncs.
func runInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "device.toml", "path to the device configuration")
	name := fs.String("name", "", "device display name")
	account := fs.String("account", "", "existing account id to join; empty creates a new account")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Default()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "aurad: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if *name != "" {
		cfg.Device.DisplayName = *name
	}

	keyPath := keyFilePath(cfg)
	if _, err := os.Stat(keyPath); err == nil {
		fmt.Fprintf(stderr, "aurad: identity already exists at %s\n", keyPath)
		return 1
	}

	ident := &identityFile{DeviceID: aura.NewDeviceID(), Seed: make([]byte, 32)}
	if _, err := cryptorand.Read(ident.Seed); err != nil {
		fmt.Fprintf(stderr, "aurad: generate seed: %v\n", err)
		return 1
	}
	joining := *account != ""
	if joining {
		id, err := aura.ParseAccountID(*account)
		if err != nil {
			fmt.Fprintf(stderr, "aurad: %v\n", err)
			return 1
		}
		ident.AccountID = id
	} else {
		ident.AccountID = aura.NewAccountID()
		ident.ArchiveKey = make([]byte, 32)
		if _, err := cryptorand.Read(ident.ArchiveKey); err != nil {
			fmt.Fprintf(stderr, "aurad: generate archive key: %v\n", err)
			return 1
		}
	}
	if err := ident.save(keyPath); err != nil {
		fmt.Fprintf(stderr, "aurad: %v\n", err)
		return 1
	}

	if !joining {
		if err := writeGenesis(cfg, ident); err != nil {
			fmt.Fprintf(stderr, "aurad: %v\n", err)
			return 1
		}
	}

	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		f, err := os.Create(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "aurad: %v\n", err)
			return 1
		}
		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			f.Close()
			fmt.Fprintf(stderr, "aurad: write config: %v\n", err)
			return 1
		}
		if err := f.Close(); err != nil {
			fmt.Fprintf(stderr, "aurad: write config: %v\n", err)
			return 1
		}
	}

	fmt.Fprintf(stdout, "initialized device %s in account %s\n", ident.DeviceID, ident.AccountID)
	return 0
}

// writeGenesis persists the account.created event so the first serve run
// restores a one-device account rather than an empty ledger.
func writeGenesis(cfg *config.Config, ident *identityFile) error {
	ctx := context.Background()
	store, closeStore, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	signer := ident.signer()
	led := ledger.New(ident.AccountID, ledger.Config{
		EpochRegressionTolerance: cfg.Ledger.EpochRegressionTolerance,
		RecoveryCooldownEpochs:   cfg.Ledger.RecoveryCooldownEpochs,
	}, ledger.WithLogger(observability.NewLogger(cfg.Log.Level)))
	w := ledger.NewWriter(led, ident.DeviceID, signer, effects.SystemClock{})
	e, err := w.Write(0, event.TypeAccountCreated, event.AccountCreated{
		Threshold:       aura.Threshold{M: 1, N: 1},
		DeviceID:        ident.DeviceID,
		DevicePublicKey: signer.Public(),
		DisplayName:     cfg.Device.DisplayName,
	})
	if err != nil {
		return fmt.Errorf("write genesis: %w", err)
	}
	data, err := event.Encode(e)
	if err != nil {
		return fmt.Errorf("encode genesis: %w", err)
	}
	if err := store.Store(ctx, storage.EventKey(0, e.EventID), data); err != nil {
		return fmt.Errorf("persist genesis: %w", err)
	}
	return nil
}
