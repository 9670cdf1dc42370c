package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/gofirmata/internal/engine"
	"github.com/shaunagostinho/gofirmata/internal/transport"
)

// DefaultConfigPath is used when Save is called on a config that was never
// loaded from disk.
const DefaultConfigPath = "/etc/gofirmata/config.yaml"

// Config holds all gofirmata configuration.
type Config struct {
	mu sync.RWMutex

	// Board link
	Transport transport.Config `yaml:"transport" json:"transport"`

	// Protocol engine
	Engine engine.Config `yaml:"engine" json:"engine"`

	// Event recording
	Recording RecordingConfig `yaml:"recording" json:"recording"`

	// Monitor
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type RecordingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // minimum ms between analog rows per channel
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Transport: transport.Config{
			Type:       "sim",
			PortPath:   "/dev/ttyACM0",
			BaudRate:   57600,
			OpenDelay:  2000,
			Address:    ":8090",
			SimTickMs:  50,
			SimVariant: "uno",
		},
		Engine: engine.Config{
			SamplingIntervalMs: 19,
		},
		Recording: RecordingConfig{
			Enabled:  false,
			Path:     "/var/log/gofirmata",
			Interval: 100,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already present in the environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: FIRMATA_TRANSPORT, FIRMATA_PORT, FIRMATA_BAUD, FIRMATA_ADDR,
// FIRMATA_SAMPLING_MS, LISTEN_ADDR, RECORD_ENABLED, RECORD_PATH,
// RECORD_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FIRMATA_TRANSPORT"); v != "" {
		c.Transport.Type = v
	}
	if v := os.Getenv("FIRMATA_PORT"); v != "" {
		c.Transport.PortPath = v
	}
	if v := os.Getenv("FIRMATA_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Transport.BaudRate = n
		}
	}
	if v := os.Getenv("FIRMATA_ADDR"); v != "" {
		c.Transport.Address = v
	}
	if v := os.Getenv("FIRMATA_SAMPLING_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.SamplingIntervalMs = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("RECORD_ENABLED"); v != "" {
		c.Recording.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("RECORD_PATH"); v != "" {
		c.Recording.Path = v
	}
	if v := os.Getenv("RECORD_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Recording.Interval = n
		}
	}
}

// Snapshot returns a copy of the config safe to read without locking.
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Config{
		Transport: c.Transport,
		Engine:    c.Engine,
		Recording: c.Recording,
		Server:    c.Server,
		path:      c.path,
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
