package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/config"
	"github.com/aura-net/aura/pkg/effects"
)

// identityFile is the device's private identity: the account it belongs
// to, its own id, the signing seed, and the account-level archive key.
// It never syncs; losing it means re-onboarding the device.
type identityFile struct {
	AccountID  aura.AccountID `json:"account_id"`
	DeviceID   aura.DeviceID  `json:"device_id"`
	Seed       []byte         `json:"seed"`
	ArchiveKey []byte         `json:"archive_key,omitempty"`
}

func (id *identityFile) signer() *effects.Signer {
	return effects.SignerFromSeed(id.Seed)
}

// loadIdentity reads the key file. When AURA_PASSPHRASE is set the file
// is a sealed envelope and is unsealed before parsing.
func loadIdentity(path string) (*identityFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity %q: %w", path, err)
	}
	if pass := os.Getenv("AURA_PASSPHRASE"); pass != "" {
		plain, err := effects.UnsealDeviceSecret([]byte(pass), data)
		if err != nil {
			return nil, fmt.Errorf("identity %q: %w", path, err)
		}
		data = plain
	}
	var id identityFile
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("identity %q: %w", path, err)
	}
	if id.AccountID.IsZero() || id.DeviceID.IsZero() || len(id.Seed) == 0 {
		return nil, fmt.Errorf("identity %q: missing account, device, or seed", path)
	}
	return &id, nil
}

func (id *identityFile) save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if pass := os.Getenv("AURA_PASSPHRASE"); pass != "" {
		data, err = effects.SealDeviceSecret([]byte(pass), data, effects.SystemRand{})
		if err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write identity %q: %w", path, err)
	}
	return nil
}

// keyFilePath resolves the configured key file against the data dir.
func keyFilePath(cfg *config.Config) string {
	if filepath.IsAbs(cfg.Device.KeyFile) {
		return cfg.Device.KeyFile
	}
	return filepath.Join(cfg.Device.DataDir, cfg.Device.KeyFile)
}
