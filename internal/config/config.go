// Package config loads the crownd configuration file and the device
// secrets that sit next to it.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"crownlink/internal/crypto"
	"crownlink/internal/debuglog"
	"crownlink/internal/link"
)

const (
	EnvAddr      = "CROWN_ADDR"
	EnvLogLevel  = "CROWN_LOG_LEVEL"
	EnvBootstrap = "CROWN_BOOTSTRAP"
	EnvPprof     = "CROWN_PPROF"
)

type Config struct {
	Node    NodeConfig      `yaml:"node"`
	Link    LinkConfig      `yaml:"link"`
	Crypto  CryptoConfig    `yaml:"crypto"`
	Log     debuglog.Config `yaml:"log"`
	Metrics MetricsConfig   `yaml:"metrics"`
	Uplink  UplinkConfig    `yaml:"uplink"`
	Secrets SecretsConfig   `yaml:"secrets"`
}

type NodeConfig struct {
	// Addr is the link address; empty derives it from the host.
	Addr            string        `yaml:"addr"`
	ElectionTimeout time.Duration `yaml:"election_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	Rejoin          RejoinConfig  `yaml:"rejoin"`
}

type RejoinConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	MaxRetries uint64        `yaml:"max_retries"`
}

type LinkConfig struct {
	Listen      string        `yaml:"listen"`
	Broadcast   []string      `yaml:"broadcast"`
	DedupWindow time.Duration `yaml:"dedup_window"`
	DedupSize   int           `yaml:"dedup_size"`
}

type CryptoConfig struct {
	Bootstrap      string        `yaml:"bootstrap"`
	NonceCacheSize int           `yaml:"nonce_cache_size"`
	NonceMaxAge    time.Duration `yaml:"nonce_max_age"`
}

type MetricsConfig struct {
	// Listen serves /metrics when set.
	Listen           string        `yaml:"listen"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	// Pprof adds /debug/pprof/ and /debug/crown to the metrics listener.
	// A non-loopback Listen needs AllowPublic.
	Pprof       bool `yaml:"pprof"`
	AllowPublic bool `yaml:"allow_public"`
}

type UplinkConfig struct {
	// Collector enables join reports from the crown.
	Collector string `yaml:"collector"`
	Insecure  bool   `yaml:"insecure"`
	QueueLen  int    `yaml:"queue_len"`
}

type SecretsConfig struct {
	Dir string `yaml:"dir"`
}

func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ElectionTimeout: 15 * time.Second,
			PollInterval:    100 * time.Millisecond,
			Rejoin: RejoinConfig{
				Interval:   3 * time.Second,
				MaxRetries: 5,
			},
		},
		Link: LinkConfig{
			Listen:      ":47800",
			Broadcast:   []string{"255.255.255.255:47800"},
			DedupWindow: 2 * time.Second,
			DedupSize:   link.DefaultDedupSize,
		},
		Crypto: CryptoConfig{
			Bootstrap:      crypto.SchemeMasked,
			NonceCacheSize: crypto.DefaultNonceCacheSize,
			NonceMaxAge:    crypto.DefaultNonceMaxAge,
		},
		Log: debuglog.Config{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			SnapshotInterval: 10 * time.Second,
		},
		Uplink: UplinkConfig{
			QueueLen: 64,
		},
		Secrets: SecretsConfig{
			Dir: ".",
		},
	}
}

func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".crownlink", "config.yaml")
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ApplyEnv overrides file values from CROWN_ADDR, CROWN_LOG_LEVEL and
// CROWN_BOOTSTRAP. CROWN_PPROF=1 turns on the debug endpoints.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvAddr)); v != "" {
		c.Node.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBootstrap)); v != "" {
		c.Crypto.Bootstrap = v
	}
	if strings.TrimSpace(os.Getenv(EnvPprof)) == "1" {
		c.Metrics.Pprof = true
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Node.Addr != "" {
		a, err := link.ParseAddr(c.Node.Addr)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("node.addr: %w", err))
		case a.IsBroadcast() || a.IsZero():
			errs = append(errs, fmt.Errorf("node.addr: %s is not a unicast address", a))
		}
	}
	if c.Node.ElectionTimeout <= 0 {
		errs = append(errs, errors.New("node.election_timeout must be positive"))
	}
	if c.Node.PollInterval <= 0 {
		errs = append(errs, errors.New("node.poll_interval must be positive"))
	}
	if c.Node.Rejoin.Enabled {
		switch {
		case c.Node.Rejoin.Interval <= 0:
			errs = append(errs, errors.New("node.rejoin.interval must be positive"))
		case c.Link.DedupWindow > 0 && c.Node.Rejoin.Interval <= c.Link.DedupWindow:
			// retries are byte-identical and would be swallowed by dedup
			errs = append(errs, fmt.Errorf("node.rejoin.interval %s must exceed link.dedup_window %s",
				c.Node.Rejoin.Interval, c.Link.DedupWindow))
		}
	}
	if !knownScheme(c.Crypto.Bootstrap) {
		errs = append(errs, fmt.Errorf("crypto.bootstrap: unknown scheme %q (have %s)",
			c.Crypto.Bootstrap, strings.Join(crypto.Schemes(), ", ")))
	}
	if c.Crypto.NonceCacheSize < 0 {
		errs = append(errs, errors.New("crypto.nonce_cache_size must not be negative"))
	}
	if c.Crypto.NonceMaxAge < 0 {
		errs = append(errs, errors.New("crypto.nonce_max_age must not be negative"))
	}
	if c.Link.DedupWindow < 0 {
		errs = append(errs, errors.New("link.dedup_window must not be negative"))
	}
	if c.Metrics.Pprof {
		switch {
		case c.Metrics.Listen == "":
			errs = append(errs, errors.New("metrics.pprof needs metrics.listen"))
		case !c.Metrics.AllowPublic && !isLoopbackBind(c.Metrics.Listen):
			errs = append(errs, fmt.Errorf("metrics.listen %s must be loopback when metrics.pprof is on, unless metrics.allow_public", c.Metrics.Listen))
		}
	}
	if f := strings.ToLower(c.Log.Format); f != "" && f != "console" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format: %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func knownScheme(name string) bool {
	if name == "" {
		return true
	}
	for _, s := range crypto.Schemes() {
		if s == name {
			return true
		}
	}
	return false
}
