// Package config loads a device's configuration from device.toml, applies
// AURA_* environment overrides, and validates the result before the agent
// starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aura-net/aura/pkg/aura"
)

type Config struct {
	Device    Device    `toml:"device"`
	Epoch     Epoch     `toml:"epoch"`
	Ledger    Ledger    `toml:"ledger"`
	Sync      Sync      `toml:"sync"`
	Guard     Guard     `toml:"guard"`
	Storage   Storage   `toml:"storage"`
	Archive   Archive   `toml:"archive"`
	Log       Log       `toml:"log"`
	Telemetry Telemetry `toml:"telemetry"`
}

type Device struct {
	DisplayName string `toml:"display_name"`
	DataDir     string `toml:"data_dir"`
	KeyFile     string `toml:"key_file"`
}

type Epoch struct {
	Seconds int `toml:"seconds"`
}

type Ledger struct {
	EpochRegressionTolerance uint64 `toml:"epoch_regression_tolerance"`
	RecoveryCooldownEpochs   uint64 `toml:"recovery_cooldown_epochs"`
	SnapshotEveryEpochs      uint64 `toml:"snapshot_every_epochs"`
}

type Peer struct {
	ID   string `toml:"id"`
	Addr string `toml:"addr"`
}

// PeerID parses the configured peer identifier.
func (p Peer) PeerID() (aura.PeerID, error) {
	return aura.ParsePeerID(p.ID)
}

type Sync struct {
	ListenAddr        string  `toml:"listen_addr"`
	Peers             []Peer  `toml:"peers"`
	IntervalSeconds   int     `toml:"interval_seconds"`
	Compat            string  `toml:"compat"`
	AnnouncePerSecond float64 `toml:"announce_per_second"`
	AnnounceBurst     int     `toml:"announce_burst"`
	ReplayTTLSeconds  int     `toml:"replay_ttl_seconds"`
	RedisURL          string  `toml:"redis_url"`
}

func (s Sync) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

func (s Sync) ReplayTTL() time.Duration {
	return time.Duration(s.ReplayTTLSeconds) * time.Second
}

type Guard struct {
	Policy                  string `toml:"policy"`
	BudgetCapacity          int64  `toml:"budget_capacity"`
	BudgetRefillAmount      int64  `toml:"budget_refill_amount"`
	BudgetRefillEveryEpochs uint64 `toml:"budget_refill_every_epochs"`
}

type Storage struct {
	Backend    string `toml:"backend"` // "fs" or "sqlite"
	SQLitePath string `toml:"sqlite_path"`
}

type Archive struct {
	Backend             string `toml:"backend"` // "", "s3", "gcs"
	SnapshotEveryEpochs uint64 `toml:"snapshot_every_epochs"`

	S3 struct {
		Bucket   string `toml:"bucket"`
		Region   string `toml:"region"`
		Endpoint string `toml:"endpoint"`
		Prefix   string `toml:"prefix"`
	} `toml:"s3"`
	GCS struct {
		Bucket string `toml:"bucket"`
		Prefix string `toml:"prefix"`
	} `toml:"gcs"`
}

type Log struct {
	Level string `toml:"level"`
}

type Telemetry struct {
	OTLPEndpoint string `toml:"otlp_endpoint"`
	ServiceName  string `toml:"service_name"`
}

// Default is the configuration of a fresh single-device account.
func Default() *Config {
	c := &Config{}
	c.Device.DisplayName = "aura-device"
	c.Device.DataDir = "./data"
	c.Device.KeyFile = "device.key"
	c.Epoch.Seconds = 30
	c.Sync.IntervalSeconds = 30
	c.Sync.ListenAddr = "127.0.0.1:7420"
	c.Sync.Compat = "^1"
	c.Sync.AnnouncePerSecond = 1
	c.Sync.AnnounceBurst = 4
	c.Sync.ReplayTTLSeconds = 300
	c.Guard.BudgetCapacity = 1000
	c.Guard.BudgetRefillAmount = 1000
	c.Guard.BudgetRefillEveryEpochs = 1
	c.Storage.Backend = "fs"
	c.Archive.SnapshotEveryEpochs = 1000
	c.Log.Level = "info"
	c.Telemetry.ServiceName = "aurad"
	return c
}

// Load reads path, layers it over the defaults, applies environment
// overrides, and validates.
func Load(path string) (*Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AURA_DATA_DIR"); v != "" {
		c.Device.DataDir = v
	}
	if v := os.Getenv("AURA_LISTEN_ADDR"); v != "" {
		c.Sync.ListenAddr = v
	}
	if v := os.Getenv("AURA_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("AURA_REDIS_URL"); v != "" {
		c.Sync.RedisURL = v
	}
	if v := os.Getenv("AURA_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("AURA_EPOCH_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Epoch.Seconds = n
		}
	}
}

func (c *Config) Validate() error {
	if c.Epoch.Seconds <= 0 {
		return fmt.Errorf("epoch.seconds must be positive, have %d", c.Epoch.Seconds)
	}
	if c.Sync.IntervalSeconds <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive, have %d", c.Sync.IntervalSeconds)
	}
	switch c.Storage.Backend {
	case "fs":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Archive.Backend {
	case "":
	case "s3":
		if c.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket required for the s3 backend")
		}
	case "gcs":
		if c.Archive.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.bucket required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown archive backend %q", c.Archive.Backend)
	}
	for i, p := range c.Sync.Peers {
		if _, err := p.PeerID(); err != nil {
			return fmt.Errorf("sync.peers[%d]: %w", i, err)
		}
		if p.Addr == "" {
			return fmt.Errorf("sync.peers[%d]: missing addr", i)
		}
	}
	if c.Guard.BudgetCapacity <= 0 {
		return fmt.Errorf("guard.budget_capacity must be positive, have %d", c.Guard.BudgetCapacity)
	}
	return nil
}
