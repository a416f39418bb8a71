package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ReconnectStrategy selects how the delay between reconnect attempts is computed.
type ReconnectStrategy string

const (
	ReconnectFixed   ReconnectStrategy = "fixed"
	ReconnectBackoff ReconnectStrategy = "backoff"

	DefaultBaseURL           = "http://localhost:8000/"
	DefaultDiscoveryPath     = "websocket"
	DefaultDiscoveryTimeout  = 2 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
	DefaultMaxReconnectDelay = time.Minute
	DefaultWriteTimeout      = 5 * time.Second
	DefaultHistoryWindow     = 1440
)

// ServerConfig points at the control server's HTTP side.
type ServerConfig struct {
	BaseURL       string `json:"base_url" yaml:"base_url"`
	DiscoveryPath string `json:"discovery_path" yaml:"discovery_path"`
}

// ConnectionConfig tunes discovery and the socket lifecycle.
type ConnectionConfig struct {
	DiscoveryTimeout  Duration          `json:"discovery_timeout" yaml:"discovery_timeout"`
	ReconnectDelay    Duration          `json:"reconnect_delay" yaml:"reconnect_delay"`
	ReconnectStrategy ReconnectStrategy `json:"reconnect_strategy" yaml:"reconnect_strategy"`
	MaxReconnectDelay Duration          `json:"max_reconnect_delay" yaml:"max_reconnect_delay"`
	RetryCloseCodes   []int             `json:"retry_close_codes" yaml:"retry_close_codes"`
	WriteTimeout      Duration          `json:"write_timeout" yaml:"write_timeout"`
	RequestIDs        bool              `json:"request_ids" yaml:"request_ids"`
}

// HistoryConfig sizes the per-series sliding window.
type HistoryConfig struct {
	Window int `json:"window" yaml:"window"`
}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level" yaml:"level"`
	Format    string `json:"format" yaml:"format"`
	LogToFile bool   `json:"log_to_file" yaml:"log_to_file"`
}

// RecorderConfig controls the local sample archive.
type RecorderConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBFile  string `json:"db_file" yaml:"db_file"`
	// Retention prunes older samples; zero keeps everything.
	Retention Duration `json:"retention" yaml:"retention"`
}

// MetricsConfig controls the prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `json:"listen" yaml:"listen"`
}

// NotificationConfig stores desktop notification preferences.
type NotificationConfig struct {
	Enabled          bool `json:"enabled" yaml:"enabled"`
	ConnectionStatus bool `json:"connection_status" yaml:"connection_status"`
	DeviceErrors     bool `json:"device_errors" yaml:"device_errors"`
}

// AppConfig is the root persisted client configuration.
type AppConfig struct {
	Server        ServerConfig       `json:"server" yaml:"server"`
	Connection    ConnectionConfig   `json:"connection" yaml:"connection"`
	History       HistoryConfig      `json:"history" yaml:"history"`
	Logging       LoggingConfig      `json:"logging" yaml:"logging"`
	Recorder      RecorderConfig     `json:"recorder" yaml:"recorder"`
	Metrics       MetricsConfig      `json:"metrics" yaml:"metrics"`
	Notifications NotificationConfig `json:"notifications" yaml:"notifications"`
}

func Default() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			BaseURL:       DefaultBaseURL,
			DiscoveryPath: DefaultDiscoveryPath,
		},
		Connection: ConnectionConfig{
			DiscoveryTimeout:  Duration(DefaultDiscoveryTimeout),
			ReconnectDelay:    Duration(DefaultReconnectDelay),
			ReconnectStrategy: ReconnectFixed,
			MaxReconnectDelay: Duration(DefaultMaxReconnectDelay),
			RetryCloseCodes:   []int{1006, 1011, 1012},
			WriteTimeout:      Duration(DefaultWriteTimeout),
		},
		History: HistoryConfig{
			Window: DefaultHistoryWindow,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Notifications: NotificationConfig{
			Enabled:          false,
			ConnectionStatus: true,
			DeviceErrors:     true,
		},
	}
}

// Load reads a config file. YAML is chosen by extension, everything else is JSON
// with comments allowed. A missing file yields defaults.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path comes from the CLI flag or the user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(cleanPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("decode config yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(raw), &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("decode config json: %w", err)
		}
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if strings.TrimSpace(c.Server.BaseURL) == "" {
		c.Server.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(c.Server.DiscoveryPath) == "" {
		c.Server.DiscoveryPath = DefaultDiscoveryPath
	}
	if c.Connection.DiscoveryTimeout <= 0 {
		c.Connection.DiscoveryTimeout = Duration(DefaultDiscoveryTimeout)
	}
	if c.Connection.ReconnectDelay <= 0 {
		c.Connection.ReconnectDelay = Duration(DefaultReconnectDelay)
	}
	if c.Connection.MaxReconnectDelay <= 0 {
		c.Connection.MaxReconnectDelay = Duration(DefaultMaxReconnectDelay)
	}
	if c.Connection.WriteTimeout <= 0 {
		c.Connection.WriteTimeout = Duration(DefaultWriteTimeout)
	}
	c.Connection.ReconnectStrategy = normalizeStrategy(c.Connection.ReconnectStrategy)
	if c.Connection.RetryCloseCodes == nil {
		c.Connection.RetryCloseCodes = []int{1006, 1011, 1012}
	}
	if c.History.Window <= 0 {
		c.History.Window = DefaultHistoryWindow
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func normalizeStrategy(strategy ReconnectStrategy) ReconnectStrategy {
	switch ReconnectStrategy(strings.ToLower(strings.TrimSpace(string(strategy)))) {
	case ReconnectBackoff:
		return ReconnectBackoff
	default:
		return ReconnectFixed
	}
}

func (c AppConfig) Validate() error {
	base, err := url.Parse(strings.TrimSpace(c.Server.BaseURL))
	if err != nil {
		return fmt.Errorf("invalid server base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return fmt.Errorf("server base url must be http or https: %q", c.Server.BaseURL)
	}
	if base.Host == "" {
		return errors.New("server base url has no host")
	}
	if c.Connection.MaxReconnectDelay < c.Connection.ReconnectDelay {
		return errors.New("max reconnect delay must not be lower than reconnect delay")
	}
	for _, code := range c.Connection.RetryCloseCodes {
		if code < 1000 || code > 4999 {
			return fmt.Errorf("retry close code out of range: %d", code)
		}
		if code == 1000 {
			return errors.New("normal closure (1000) cannot be retried")
		}
	}
	if c.History.Window <= 0 {
		return errors.New("history window must be positive")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %q", c.Logging.Format)
	}
	if c.Recorder.Enabled && strings.TrimSpace(c.Recorder.DBFile) == "" {
		return errors.New("recorder db file is required when recorder is enabled")
	}

	return nil
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		raw []byte
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err = yaml.Marshal(cfg)
	default:
		raw, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}

// ErrUnknownKey is returned by Set for a key that names no config field.
var ErrUnknownKey = errors.New("unknown config key")

// Set assigns the field named by a dotted key such as "connection.reconnect_delay".
// The value is read as YAML, so lists and durations use the config file syntax.
func (c *AppConfig) Set(key, value string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	replacement := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str"}
	var parsed yaml.Node
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
		return fmt.Errorf("parse value %q: %w", value, err)
	}
	if len(parsed.Content) > 0 {
		replacement = parsed.Content[0]
	}

	node := doc.Content[0]
	parts := strings.Split(strings.TrimSpace(key), ".")
	for i, part := range parts {
		idx := mappingIndex(node, part)
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
		if i == len(parts)-1 {
			node.Content[idx] = replacement
			break
		}
		node = node.Content[idx]
	}

	var next AppConfig
	if err := doc.Decode(&next); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	*c = next

	return nil
}

// mappingIndex returns the index of the value stored under key, or -1.
func mappingIndex(node *yaml.Node, key string) int {
	if node.Kind != yaml.MappingNode {
		return -1
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return i + 1
		}
	}

	return -1
}
