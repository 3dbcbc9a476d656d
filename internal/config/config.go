package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v2"

	"github.com/rzbill/relayd/pkg/log"
)

const (
	RolePrimary = "primary"
	RoleReplica = "replica"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir string `json:"dataDir" yaml:"dataDir"`
	// Role is primary or replica. A replica follows Upstream.
	Role     string `json:"role" yaml:"role"`
	Upstream string `json:"upstream" yaml:"upstream"`
	GRPCAddr string `json:"grpcAddr" yaml:"grpcAddr"`
	HTTPAddr string `json:"httpAddr" yaml:"httpAddr"`

	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	WAL         WALConfig         `json:"wal" yaml:"wal"`
	Replication ReplicationConfig `json:"replication" yaml:"replication"`
	Log         log.Config        `json:"log" yaml:"log"`
}

// StorageConfig configures the Pebble store.
type StorageConfig struct {
	Fsync           string `json:"fsync" yaml:"fsync"` // always|interval|never
	FsyncIntervalMs int    `json:"fsyncIntervalMs" yaml:"fsyncIntervalMs"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	SegmentSize ByteSize `json:"segmentSize" yaml:"segmentSize"`
}

// ReplicationConfig configures relays on a primary and the applier on a
// replica.
type ReplicationConfig struct {
	// TimeoutMs is the heartbeat interval; a peer silent for four of them
	// is disconnected.
	TimeoutMs          int    `json:"timeoutMs" yaml:"timeoutMs"`
	ForceRecovery      bool   `json:"forceRecovery" yaml:"forceRecovery"`
	GCBacklog          int    `json:"gcBacklog" yaml:"gcBacklog"`
	HandshakeTimeoutMs int    `json:"handshakeTimeoutMs" yaml:"handshakeTimeoutMs"`
	Filter             string `json:"filter" yaml:"filter"`
	ReconnectMs        int    `json:"reconnectMs" yaml:"reconnectMs"`
	MaxReconnectMs     int    `json:"maxReconnectMs" yaml:"maxReconnectMs"`
	// LegacyAck reports the replay position instead of replica acks for
	// every peer, regardless of its version.
	LegacyAck bool        `json:"legacyAck" yaml:"legacyAck"`
	Fault     FaultConfig `json:"fault" yaml:"fault"`
}

// FaultConfig holds delays injected into relays. Tests and chaos runs only.
type FaultConfig struct {
	SendDelayMs      int `json:"sendDelayMs" yaml:"sendDelayMs"`
	ExitDelayMs      int `json:"exitDelayMs" yaml:"exitDelayMs"`
	ReportIntervalMs int `json:"reportIntervalMs" yaml:"reportIntervalMs"`
}

// Timeout returns the heartbeat interval.
func (r ReplicationConfig) Timeout() time.Duration { return ms(r.TimeoutMs) }

func (r ReplicationConfig) HandshakeTimeout() time.Duration { return ms(r.HandshakeTimeoutMs) }

func (f FaultConfig) SendDelay() time.Duration      { return ms(f.SendDelayMs) }
func (f FaultConfig) ExitDelay() time.Duration      { return ms(f.ExitDelayMs) }
func (f FaultConfig) ReportInterval() time.Duration { return ms(f.ReportIntervalMs) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ByteSize is a size in bytes that accepts human strings such as "64MB".
type ByteSize uint64

func (b ByteSize) String() string { return bytefmt.ByteSize(uint64(b)) }

func (b *ByteSize) set(s string) error {
	n, err := bytefmt.ToBytes(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("config: size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("config: size: %w", err)
	}
	return b.set(s)
}

func (b ByteSize) MarshalJSON() ([]byte, error) { return json.Marshal(b.String()) }

func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n uint64
	if err := unmarshal(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return b.set(s)
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Role:     RolePrimary,
		GRPCAddr: ":3301",
		HTTPAddr: ":8080",
		Storage: StorageConfig{
			Fsync:           "always",
			FsyncIntervalMs: 5,
		},
		WAL: WALConfig{SegmentSize: 64 * bytefmt.MEGABYTE},
		Replication: ReplicationConfig{
			TimeoutMs:          1000,
			GCBacklog:          16,
			HandshakeTimeoutMs: 10000,
			ReconnectMs:        100,
			MaxReconnectMs:     5000,
		},
		Log: log.Config{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON or YAML file (by extension) over the
// defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Validate checks the fields that have no safe fallback.
func (c Config) Validate() error {
	switch c.Role {
	case RolePrimary:
	case RoleReplica:
		if c.Upstream == "" {
			return fmt.Errorf("config: role replica requires upstream")
		}
	default:
		return fmt.Errorf("config: unknown role %q", c.Role)
	}
	switch c.Storage.Fsync {
	case "always", "interval", "never":
	default:
		return fmt.Errorf("config: invalid fsync %q; use always|interval|never", c.Storage.Fsync)
	}
	if c.Replication.TimeoutMs <= 0 {
		return fmt.Errorf("config: replication timeout must be positive")
	}
	if c.WAL.SegmentSize == 0 {
		return fmt.Errorf("config: wal segment size must be positive")
	}
	return nil
}
