// Package lockconfig holds the knobs the lock manager core needs but
// leaves to the host: whether the queue-drain log is enabled, which codec
// (if any) compresses diagnostic snapshots, and the seed used for
// ResourceName fingerprints. Struct tags mix yaml and env, loaded from a
// YAML file with environment overrides applied after parse.
//
// It deliberately does NOT carry a lock-wait timeout: the core has no
// timeout/cancellation concept, so any such policy belongs to the host
// layered on top of txn.Handle, not here.
package lockconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SnapshotCodec selects how diagnostics.Marshal compresses its YAML report.
type SnapshotCodec string

const (
	CodecNone   SnapshotCodec = "none"
	CodecSnappy SnapshotCodec = "snappy"
	CodecLZ4    SnapshotCodec = "lz4"
	CodecZstd   SnapshotCodec = "zstd"
)

// Config holds every lock-manager-adjacent knob the core leaves to the host.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	ResourceID ResourceIDConfig `yaml:"resource_id"`
}

// LoggingConfig controls the structured logger wired into lockmanager.Manager.
type LoggingConfig struct {
	QueueDrainEnabled bool   `yaml:"queue_drain_enabled" env:"LOCKCORE_LOG_QUEUE_DRAIN"`
	MinLevel          string `yaml:"min_level" env:"LOCKCORE_LOG_MIN_LEVEL"`
}

// SnapshotConfig controls diagnostics.Marshal's output codec.
type SnapshotConfig struct {
	Codec SnapshotCodec `yaml:"codec" env:"LOCKCORE_SNAPSHOT_CODEC"`
}

// ResourceIDConfig controls resource.Name fingerprinting.
type ResourceIDConfig struct {
	HashSeed uint64 `yaml:"hash_seed" env:"LOCKCORE_HASH_SEED"`
}

// Default returns a Config with the core's default behavior: queue-drain
// logging off, snapshots uncompressed, hash seed 0.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			QueueDrainEnabled: false,
			MinLevel:          "INFO",
		},
		Snapshot: SnapshotConfig{
			Codec: CodecNone,
		},
		ResourceID: ResourceIDConfig{
			HashSeed: 0,
		},
	}
}

// Load reads a YAML config file at path, falling back to Default for any
// field the file omits, then applies environment overrides.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("lockconfig: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("lockconfig: parse %s: %w", path, err)
		}
	}
	c.loadFromEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// loadFromEnv overlays environment variables named by each field's env tag.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("LOCKCORE_LOG_QUEUE_DRAIN"); v != "" {
		c.Logging.QueueDrainEnabled = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("LOCKCORE_LOG_MIN_LEVEL"); v != "" {
		c.Logging.MinLevel = v
	}
	if v := os.Getenv("LOCKCORE_SNAPSHOT_CODEC"); v != "" {
		c.Snapshot.Codec = SnapshotCodec(v)
	}
	if v := os.Getenv("LOCKCORE_HASH_SEED"); v != "" {
		if seed, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.ResourceID.HashSeed = seed
		}
	}
}

// Validate rejects a Config whose snapshot codec isn't one of the four
// recognized values.
func (c *Config) Validate() error {
	switch c.Snapshot.Codec {
	case CodecNone, CodecSnappy, CodecLZ4, CodecZstd:
	default:
		return fmt.Errorf("lockconfig: unrecognized snapshot codec %q", c.Snapshot.Codec)
	}
	return nil
}
