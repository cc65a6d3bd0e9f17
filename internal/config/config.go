// Package config owns the node configuration surface: YAML file, optional
// .env file, and NEXLATTICE_* environment overrides, validated at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	CipherAESCBC = "aes-cbc"
	CipherStream = "stream"
)

type Config struct {
	// NodeID uniquely identifies this node in the mesh. Generated when empty.
	NodeID   string `yaml:"node_id"`
	NodeName string `yaml:"node_name"`

	BindAddr      string `yaml:"bind_addr"`
	BroadcastAddr string `yaml:"broadcast_addr"`
	DiscoveryPort int    `yaml:"discovery_port"`
	MessagePort   int    `yaml:"message_port"`

	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	HealthInterval    time.Duration `yaml:"health_interval"`
	ReportInterval    time.Duration `yaml:"report_interval"`
	PeerTimeout       time.Duration `yaml:"peer_timeout"`

	MaxHops  int `yaml:"max_hops"`
	MaxPeers int `yaml:"max_peers"`

	SharedSecret      string `yaml:"shared_secret"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
	// Cipher selects the payload cipher: "aes-cbc" (default) or the
	// degraded "stream" fallback mode.
	Cipher          string `yaml:"cipher"`
	SigFailureLimit int    `yaml:"sig_failure_limit"`

	// DashboardURL is the stats collector endpoint. Empty disables reporting.
	DashboardURL string `yaml:"dashboard_url"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func Default() *Config {
	return &Config{
		NodeName:          "nexlattice-node",
		BindAddr:          "0.0.0.0",
		BroadcastAddr:     "255.255.255.255",
		DiscoveryPort:     5000,
		MessagePort:       5001,
		DiscoveryInterval: 30 * time.Second,
		HealthInterval:    10 * time.Second,
		ReportInterval:    60 * time.Second,
		PeerTimeout:       120 * time.Second,
		MaxHops:           5,
		MaxPeers:          50,
		EncryptionEnabled: true,
		Cipher:            CipherAESCBC,
		SigFailureLimit:   3,
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if any), then .env, then NEXLATTICE_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	_ = godotenv.Load(".env")
	cfg.applyEnv()
	if cfg.NodeID == "" {
		cfg.NodeID = "node_" + uuid.NewString()[:8]
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("NEXLATTICE_NODE_ID")); v != "" {
		c.NodeID = v
	}
	if v := strings.TrimSpace(os.Getenv("NEXLATTICE_NODE_NAME")); v != "" {
		c.NodeName = v
	}
	if v := strings.TrimSpace(os.Getenv("NEXLATTICE_SHARED_SECRET")); v != "" {
		c.SharedSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("NEXLATTICE_DASHBOARD_URL")); v != "" {
		c.DashboardURL = v
	}
	if v := strings.TrimSpace(os.Getenv("NEXLATTICE_BROADCAST_ADDR")); v != "" {
		c.BroadcastAddr = v
	}
	if v, ok := envInt("NEXLATTICE_DISCOVERY_PORT"); ok {
		c.DiscoveryPort = v
	}
	if v, ok := envInt("NEXLATTICE_MESSAGE_PORT"); ok {
		c.MessagePort = v
	}
	if v, ok := envInt("NEXLATTICE_DISCOVERY_INTERVAL_SEC"); ok {
		c.DiscoveryInterval = time.Duration(v) * time.Second
	}
	if v, ok := envInt("NEXLATTICE_HEALTH_INTERVAL_SEC"); ok {
		c.HealthInterval = time.Duration(v) * time.Second
	}
	if v, ok := envInt("NEXLATTICE_REPORT_INTERVAL_SEC"); ok {
		c.ReportInterval = time.Duration(v) * time.Second
	}
	if v, ok := envInt("NEXLATTICE_PEER_TIMEOUT_SEC"); ok {
		c.PeerTimeout = time.Duration(v) * time.Second
	}
	if v, ok := envInt("NEXLATTICE_MAX_HOPS"); ok {
		c.MaxHops = v
	}
	if v, ok := envInt("NEXLATTICE_MAX_PEERS"); ok {
		c.MaxPeers = v
	}
	if v := strings.TrimSpace(os.Getenv("NEXLATTICE_ENCRYPTION")); v != "" {
		c.EncryptionEnabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := strings.TrimSpace(os.Getenv("NEXLATTICE_CIPHER")); v != "" {
		c.Cipher = v
	}
	if v := strings.TrimSpace(os.Getenv("NEXLATTICE_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id cannot be empty")
	}
	if err := validPort("discovery_port", c.DiscoveryPort); err != nil {
		return err
	}
	if err := validPort("message_port", c.MessagePort); err != nil {
		return err
	}
	if c.DiscoveryPort == c.MessagePort {
		return fmt.Errorf("discovery_port and message_port must differ")
	}
	if err := validInterval("discovery_interval", c.DiscoveryInterval); err != nil {
		return err
	}
	if err := validInterval("health_interval", c.HealthInterval); err != nil {
		return err
	}
	if err := validInterval("report_interval", c.ReportInterval); err != nil {
		return err
	}
	if c.PeerTimeout < 30*time.Second || c.PeerTimeout > 600*time.Second {
		return fmt.Errorf("peer_timeout must be between 30s and 600s")
	}
	if c.MaxHops < 1 || c.MaxHops > 10 {
		return fmt.Errorf("max_hops must be between 1 and 10")
	}
	if c.MaxPeers < 1 || c.MaxPeers > 50 {
		return fmt.Errorf("max_peers must be between 1 and 50")
	}
	if c.SharedSecret == "" {
		return fmt.Errorf("shared_secret cannot be empty")
	}
	if c.Cipher != CipherAESCBC && c.Cipher != CipherStream {
		return fmt.Errorf("cipher must be %q or %q", CipherAESCBC, CipherStream)
	}
	if c.SigFailureLimit < 1 {
		return fmt.Errorf("sig_failure_limit must be at least 1")
	}
	return nil
}

func validPort(name string, port int) error {
	if port < 1024 || port > 65535 {
		return fmt.Errorf("%s must be between 1024 and 65535", name)
	}
	return nil
}

func validInterval(name string, d time.Duration) error {
	if d < 5*time.Second || d > 300*time.Second {
		return fmt.Errorf("%s must be between 5s and 300s", name)
	}
	return nil
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
