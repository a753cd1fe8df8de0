package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/mesgateway/errors"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "MESGATEWAY"

// Loader handles configuration loading with layers and overrides.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a loader reading MESGATEWAY_* overrides from the
// process environment.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		getenv:    os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier
// ones key by key.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables validation after loading.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load starts from DefaultConfig, merges every layer, applies environment
// overrides and, when enabled, validates the result.
func (l *Loader) Load() (*Config, error) {
	merged := map[string]any{}
	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		merged = deepMergeMaps(merged, raw)
	}

	cfg := DefaultConfig()
	if len(merged) > 0 {
		// yaml.v3 parses duration strings such as "5s" into time.Duration,
		// so JSON layers are re-encoded as YAML before decoding.
		data, err := yaml.Marshal(merged)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "encode merged layers")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
				"Loader", "Load", "decode config")
		}
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

// loadRaw reads one layer as a generic map. The format follows the file
// extension.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
		}
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
		}
	}
	return raw, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

type envOverride struct {
	suffix string
	apply  func(cfg *Config, val string) error
}

func setString(dst func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		*dst(cfg) = val
		return nil
	}
}

func setList(dst func(*Config) *[]string) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		var out []string
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst(cfg) = out
		return nil
	}
}

func setBool(dst func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*dst(cfg) = b
		return nil
	}
}

func setSwitch(dst func(*Config) **bool) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*dst(cfg) = &b
		return nil
	}
}

func setInt(dst func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*dst(cfg) = n
		return nil
	}
}

func setDuration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*dst(cfg) = d
		return nil
	}
}

var envOverrides = []envOverride{
	{"ADDRESS", setString(func(c *Config) *string { return &c.Server.Address })},
	{"STATIC_ROOT", setString(func(c *Config) *string { return &c.Server.StaticRoot })},

	{"DEV_CODE", setString(func(c *Config) *string { return &c.Device.DevCode })},
	{"OPERATOR", setString(func(c *Config) *string { return &c.Device.Operator })},

	{"API_KEYS", setList(func(c *Config) *[]string { return &c.Security.APIKeys })},
	{"SECRET_KEY", setString(func(c *Config) *string { return &c.Security.SecretKey })},
	{"ALLOWED_IPS", setList(func(c *Config) *[]string { return &c.Security.AllowedIPs })},
	{"ENABLE_API_KEY", setSwitch(func(c *Config) **bool { return &c.Security.EnableAPIKey })},
	{"ENABLE_SIGNATURE", setSwitch(func(c *Config) **bool { return &c.Security.EnableSignature })},
	{"ENABLE_IP_WHITELIST", setSwitch(func(c *Config) **bool { return &c.Security.EnableIPWhitelist })},

	{"MAX_REQUESTS_PER_MINUTE", setInt(func(c *Config) *int { return &c.Limits.MaxRequestsPerMinute })},
	{"MAX_CONCURRENT_CONNECTIONS", setInt(func(c *Config) *int { return &c.Limits.MaxConcurrentConnections })},
	{"MAX_DATA_SIZE_MB", setInt(func(c *Config) *int { return &c.Limits.MaxDataSizeMB })},

	{"REMOTE_URL", setString(func(c *Config) *string { return &c.Remote.BaseURL })},
	{"REMOTE_API_KEY", setString(func(c *Config) *string { return &c.Remote.APIKey })},
	{"REMOTE_SECRET", setString(func(c *Config) *string { return &c.Remote.Secret })},
	{"REMOTE_TIMEOUT", setDuration(func(c *Config) *time.Duration { return &c.Remote.Timeout })},

	{"HEARTBEAT_ENABLED", setBool(func(c *Config) *bool { return &c.Heartbeat.Enabled })},
	{"HEARTBEAT_INTERVAL", setDuration(func(c *Config) *time.Duration { return &c.Heartbeat.Interval })},

	{"NATS_ENABLED", setBool(func(c *Config) *bool { return &c.Events.NATS.Enabled })},
	{"NATS_URL", setString(func(c *Config) *string { return &c.Events.NATS.URL })},
	{"NATS_TOKEN", setString(func(c *Config) *string { return &c.Events.NATS.Token })},
	{"MQTT_ENABLED", setBool(func(c *Config) *bool { return &c.Events.MQTT.Enabled })},
	{"MQTT_BROKER", setString(func(c *Config) *string { return &c.Events.MQTT.Broker })},

	{"LOG_LEVEL", setString(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_FORMAT", setString(func(c *Config) *string { return &c.Logging.Format })},
}

// applyEnvOverrides applies <prefix>_<NAME> variables on top of the file
// layers.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	for _, o := range envOverrides {
		key := l.envPrefix + "_" + o.suffix
		val := l.getenv(key)
		if val == "" {
			continue
		}
		if err := checkEnvValue(key, val); err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "check "+key)
		}
		if err := o.apply(cfg, strings.TrimSpace(val)); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, key, err),
				"Loader", "applyEnvOverrides", "parse "+key)
		}
	}
	return nil
}

// SaveToFile writes the config as JSON or YAML by extension. Durations are
// written as strings such as "30s" in both formats so the file loads back.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.WrapInvalid(err, "Config", "SaveToFile", "encode config")
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var generic map[string]any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return errors.WrapInvalid(err, "Config", "SaveToFile", "convert config")
		}
		if data, err = json.MarshalIndent(generic, "", "  "); err != nil {
			return errors.WrapInvalid(err, "Config", "SaveToFile", "encode config")
		}
	}
	return writeConfigFile(path, data)
}
