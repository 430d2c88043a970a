package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/c360/memhook/driver/udp"
	"github.com/c360/memhook/errors"
	"github.com/c360/memhook/instance"
	"github.com/c360/memhook/notify"
	"github.com/c360/memhook/pkg/security"
)

// DefaultEnvPrefix prefixes every environment override
const DefaultEnvPrefix = "MEMHOOK"

// Config represents the complete application configuration
type Config struct {
	Driver    udp.Config      `json:"driver"`
	Instance  InstanceConfig  `json:"instance"`
	NATS      NATSConfig      `json:"nats"`
	Metrics   MetricsConfig   `json:"metrics"`
	WebSocket WebSocketConfig `json:"websocket"`
	Security  security.Config `json:"security,omitempty"`
}

// InstanceConfig selects the mapper to load and tunes the poll loop
type InstanceConfig struct {
	instance.Config

	MapperDir string `json:"mapper_dir"`
	MapperID  string `json:"mapper_id"`
}

// NATSConfig defines the optional NATS notification sink
type NATSConfig struct {
	Enabled       bool          `json:"enabled"`
	URLs          []string      `json:"urls,omitempty"`
	SubjectPrefix string        `json:"subject_prefix,omitempty"`
	Name          string        `json:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`

	// TLS secures the connection using security.tls.client
	TLS bool `json:"tls,omitempty"`
}

// MetricsConfig defines the HTTP listener serving metrics and health
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// WebSocketConfig defines the WebSocket sink mounted on the metrics listener
type WebSocketConfig struct {
	Enabled        bool          `json:"enabled"`
	Path           string        `json:"path"`
	AllowedOrigins []string      `json:"allowed_origins,omitempty"`
	ClientBuffer   int           `json:"client_buffer,omitempty"`
	PingInterval   time.Duration `json:"ping_interval,omitempty"`
}

// Default returns the configuration used beneath every file layer
func Default() *Config {
	return &Config{
		Driver: udp.DefaultConfig(),
		Instance: InstanceConfig{
			Config:    instance.DefaultConfig(),
			MapperDir: "mappers",
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			SubjectPrefix: notify.DefaultSubjectPrefix,
			Name:          "memhook",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		WebSocket: WebSocketConfig{
			Path:         "/ws",
			ClientBuffer: notify.DefaultClientBuffer,
			PingInterval: notify.DefaultPingInterval,
		},
	}
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

func invalidConfig(format string, args ...any) error {
	err := fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...)
	return errors.WrapInvalid(err, "Config", "Validate", "config validation")
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if err := c.Driver.Validate(); err != nil {
		return invalidConfig("driver: %w", err)
	}
	if err := c.Instance.Config.Validate(); err != nil {
		return invalidConfig("instance: %w", err)
	}
	if c.Instance.MapperDir == "" {
		return invalidConfig("instance.mapper_dir is required")
	}
	if c.Instance.MapperID == "" {
		return invalidConfig("instance.mapper_id is required")
	}

	if c.NATS.Enabled {
		if len(c.NATS.URLs) == 0 {
			return invalidConfig("nats.urls is required when nats is enabled")
		}
		prefix := strings.TrimSuffix(c.NATS.SubjectPrefix, ".")
		if prefix != "" && !isValidNATSSubjectPart(prefix) {
			return invalidConfig(
				"nats.subject_prefix '%s' is not valid for NATS subjects (must be alphanumeric with dots, dashes, underscores)",
				c.NATS.SubjectPrefix)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return invalidConfig("metrics.port %d out of range", c.Metrics.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return invalidConfig("metrics.path must start with '/'")
		}
	}

	if c.WebSocket.Enabled {
		if !c.Metrics.Enabled {
			return invalidConfig("websocket requires metrics to be enabled (they share a listener)")
		}
		if !strings.HasPrefix(c.WebSocket.Path, "/") {
			return invalidConfig("websocket.path must start with '/'")
		}
		if c.WebSocket.Path == c.Metrics.Path || c.WebSocket.Path == "/health" {
			return invalidConfig("websocket.path %s collides with a built-in endpoint", c.WebSocket.Path)
		}
	}

	if err := c.validateSecurity(); err != nil {
		return invalidConfig("security: %w", err)
	}
	return nil
}

// isValidNATSSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}

	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// validateSecurity validates the security configuration
func (c *Config) validateSecurity() error {
	server := c.Security.TLS.Server
	if server.Enabled {
		if server.CertFile == "" {
			return fmt.Errorf("tls.server.cert_file is required when TLS is enabled")
		}
		if server.KeyFile == "" {
			return fmt.Errorf("tls.server.key_file is required when TLS is enabled")
		}
		if _, err := os.Stat(server.CertFile); err != nil {
			return fmt.Errorf("tls.server.cert_file: %w", err)
		}
		if _, err := os.Stat(server.KeyFile); err != nil {
			return fmt.Errorf("tls.server.key_file: %w", err)
		}
		if err := validateTLSVersion(server.MinVersion); err != nil {
			return fmt.Errorf("tls.server.min_version: %w", err)
		}
		for i, caFile := range server.MTLS.ClientCAFiles {
			if _, err := os.Stat(caFile); err != nil {
				return fmt.Errorf("tls.server.mtls.client_ca_files[%d]: %w", i, err)
			}
		}
	}

	client := c.Security.TLS.Client
	for i, caFile := range client.CAFiles {
		if _, err := os.Stat(caFile); err != nil {
			return fmt.Errorf("tls.client.ca_files[%d]: %w", i, err)
		}
	}
	if err := validateTLSVersion(client.MinVersion); err != nil {
		return fmt.Errorf("tls.client.min_version: %w", err)
	}
	if client.InsecureSkipVerify {
		_, _ = fmt.Fprintf(
			os.Stderr,
			"WARNING: TLS certificate verification is disabled (insecure_skip_verify=true). This should only be used in development/testing!\n",
		)
	}
	return nil
}

// validateTLSVersion checks if a TLS version string is valid. Empty means default.
func validateTLSVersion(version string) error {
	switch version {
	case "", "1.2", "1.3":
		return nil
	default:
		return fmt.Errorf("invalid TLS version %q (must be \"1.2\" or \"1.3\")", version)
	}
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:    []string{},
		envPrefix: DefaultEnvPrefix,
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges the defaults, every file layer in order and the environment
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		rawConfig, err := l.loadRawJSON(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		merged, err := l.mergeFromMap(cfg, rawConfig)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("merge %s", path))
		}
		cfg = merged
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRawJSON loads configuration from a JSON file as a map
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrParsingFailed, err)
	}

	if err := parseDurations(rawConfig); err != nil {
		return nil, err
	}
	return rawConfig, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}

	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrParsingFailed, err)
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, baseOk := base[k].(map[string]any); baseOk {
			if overrideMap, overrideOk := v.(map[string]any); overrideOk {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// durationKeys lists every duration field, as section then key
var durationKeys = [][2]string{
	{"driver", "read_timeout"},
	{"instance", "poll_interval"},
	{"instance", "bootstrap_timeout"},
	{"instance", "driver_error_interval"},
	{"nats", "reconnect_wait"},
	{"websocket", "ping_interval"},
}

// parseDurations converts duration strings such as "75ms" to nanoseconds so
// they unmarshal into time.Duration
func parseDurations(data map[string]any) error {
	for _, k := range durationKeys {
		section, ok := data[k[0]].(map[string]any)
		if !ok {
			continue
		}
		s, ok := section[k[1]].(string)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", k[0], k[1], err)
		}
		section[k[1]] = d.Nanoseconds()
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	lookup := func(name string) (string, error) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if err := validateEnvVar(key, val); err != nil {
			return "", errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "environment validation")
		}
		return val, nil
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"DRIVER_HOST", &cfg.Driver.Host},
		{"MAPPER_DIR", &cfg.Instance.MapperDir},
		{"MAPPER_ID", &cfg.Instance.MapperID},
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
	}
	for _, s := range strs {
		val, err := lookup(s.name)
		if err != nil {
			return err
		}
		if val != "" {
			*s.dst = val
		}
	}

	val, err := lookup("DRIVER_PORT")
	if err != nil {
		return err
	}
	if val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("%s_DRIVER_PORT: %w", l.envPrefix, err),
				"Loader", "applyEnvOverrides", "parse driver port")
		}
		cfg.Driver.Port = port
	}

	val, err = lookup("NATS_URLS")
	if err != nil {
		return err
	}
	if val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
		cfg.NATS.Enabled = true
	}
	return nil
}

// String returns a JSON representation of the config with credentials redacted
func (c *Config) String() string {
	redacted := c.Clone()
	for _, s := range []*string{&redacted.NATS.Password, &redacted.NATS.Token} {
		if *s != "" {
			*s = "[REDACTED]"
		}
	}
	data, _ := json.MarshalIndent(redacted, "", "  ")
	return string(data)
}
