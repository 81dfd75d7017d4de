// Package config manages peerlink configuration and state paths
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	// ConfigDirName is the name of the config directory
	ConfigDirName = ".peerlink"
	// ConfigFileName is the name of the config file
	ConfigFileName = "config.json"
)

// Store backends.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds the node configuration
type Config struct {
	DisplayName string `json:"display_name" yaml:"display_name"`
	// TCPPort is the protocol listen port
	TCPPort int `json:"tcp_port" yaml:"tcp_port"`
	// DiscoveryPort is the UDP broadcast port
	DiscoveryPort int `json:"discovery_port" yaml:"discovery_port"`
	// DiscoveryEnabled turns outbound broadcasts off when false
	DiscoveryEnabled bool `json:"discovery_enabled" yaml:"discovery_enabled"`

	BroadcastInterval  Duration `json:"broadcast_interval" yaml:"broadcast_interval"`
	HeartbeatInterval  Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	LivenessThreshold  Duration `json:"liveness_threshold" yaml:"liveness_threshold"`
	DecisionTimeout    Duration `json:"decision_timeout" yaml:"decision_timeout"`
	SyncResendInterval Duration `json:"sync_resend_interval" yaml:"sync_resend_interval"`
	SyncTimeout        Duration `json:"sync_timeout" yaml:"sync_timeout"`

	SendConcurrency int `json:"send_concurrency" yaml:"send_concurrency"`
	SendAttempts    int `json:"send_attempts" yaml:"send_attempts"`

	// StoreBackend is "file" or "badger"
	StoreBackend string `json:"store_backend" yaml:"store_backend"`
	// FeedAddr is the websocket bridge address; empty disables it
	FeedAddr  string   `json:"feed_addr,omitempty" yaml:"feed_addr,omitempty"`
	SeedPeers []string `json:"seed_peers,omitempty" yaml:"seed_peers,omitempty"`
	LogLevel  string   `json:"log_level" yaml:"log_level"`
}

// Paths holds commonly used paths
type Paths struct {
	// ConfigDir is ~/.peerlink
	ConfigDir string
	// ConfigFile is ~/.peerlink/config.json
	ConfigFile string
	// IdentityFile is ~/.peerlink/identity.json
	IdentityFile string
	// AuthFile is ~/.peerlink/auth.json, used by the file backend
	AuthFile string
	// DataDir is ~/.peerlink/data, used by the badger backend
	DataDir string
}

// GetPaths returns the standard paths
func GetPaths() (*Paths, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return PathsIn(filepath.Join(homeDir, ConfigDirName)), nil
}

// PathsIn returns the standard layout rooted at dir.
func PathsIn(dir string) *Paths {
	return &Paths{
		ConfigDir:    dir,
		ConfigFile:   filepath.Join(dir, ConfigFileName),
		IdentityFile: filepath.Join(dir, "identity.json"),
		AuthFile:     filepath.Join(dir, "auth.json"),
		DataDir:      filepath.Join(dir, "data"),
	}
}

// EnsureDirectories creates all required directories
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Default returns a new Config with default values
func Default() *Config {
	return &Config{
		TCPPort:            23334,
		DiscoveryPort:      23333,
		DiscoveryEnabled:   true,
		BroadcastInterval:  Duration(5 * time.Second),
		HeartbeatInterval:  Duration(10 * time.Second),
		LivenessThreshold:  Duration(30 * time.Second),
		DecisionTimeout:    Duration(60 * time.Second),
		SyncResendInterval: Duration(6 * time.Second),
		SyncTimeout:        Duration(15 * time.Second),
		SendConcurrency:    5,
		SendAttempts:       3,
		StoreBackend:       BackendFile,
		LogLevel:           "info",
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads configuration from path. A missing file yields defaults.
// Fields absent from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	for name, port := range map[string]int{"tcp_port": c.TCPPort, "discovery_port": c.DiscoveryPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}
	if c.SendConcurrency < 1 {
		return fmt.Errorf("send_concurrency must be at least 1")
	}
	if c.SendAttempts < 1 {
		return fmt.Errorf("send_attempts must be at least 1")
	}
	if c.SyncResendInterval >= c.SyncTimeout {
		return fmt.Errorf("sync_resend_interval (%s) must be shorter than sync_timeout (%s)", c.SyncResendInterval, c.SyncTimeout)
	}
	switch c.StoreBackend {
	case BackendFile, BackendBadger:
	default:
		return fmt.Errorf("unknown store_backend %q", c.StoreBackend)
	}
	if c.FeedAddr != "" {
		if err := checkLoopback(c.FeedAddr); err != nil {
			return fmt.Errorf("feed_addr: %w", err)
		}
	}
	return nil
}

// checkLoopback accepts host:port addresses that only this machine can reach.
func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.EqualFold(host, "localhost") {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%q is not a loopback address", addr)
}

// Save writes the configuration to path in the format its extension names.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
