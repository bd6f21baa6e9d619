// Package config loads and persists the gateway configuration.
//
// Values are resolved in three layers: compiled-in defaults, the
// config.json file under the user config directory, and finally the
// COPILOT_* environment variables. The file only ever stores values that
// differ from the defaults; saving a fully-default configuration removes
// the file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
)

const (
	// DefaultModel is used when no model is requested and the catalog
	// offers no better candidate.
	DefaultModel = "gpt-4o"

	// DefaultRefreshIntervalMinutes is the background catalog refresh period.
	DefaultRefreshIntervalMinutes = 30

	// DefaultCatalogTTLMinutes is the freshness window of a catalog entry.
	DefaultCatalogTTLMinutes = 60

	// DefaultCatalogStaleMinutes is the age beyond which a scheduled
	// refresh pre-empts.
	DefaultCatalogStaleMinutes = 30

	// DefaultPort is the listen port in OpenAI mode.
	DefaultPort = 3000

	// DefaultOllamaPort is the listen port in Ollama mode.
	DefaultOllamaPort = 11434
)

// DefaultCommandTriggers is the built-in in-chat command trigger set.
var DefaultCommandTriggers = []string{"::"}

// ModelConfig groups model selection settings.
type ModelConfig struct {
	Default                string `json:"default,omitempty"`
	RefreshIntervalMinutes int    `json:"refresh_interval_minutes,omitempty"`
}

// CatalogConfig groups catalog freshness settings.
type CatalogConfig struct {
	TTLMinutes   int `json:"ttl_minutes,omitempty"`
	StaleMinutes int `json:"stale_minutes,omitempty"`
}

// TransformsConfig describes the optional request/response interceptor
// pipelines. Pipelines maps a route name (for example "openai" or
// "anthropic") to an ordered list of registered module names.
type TransformsConfig struct {
	Enabled      bool                `json:"enabled,omitempty"`
	Pipelines    map[string][]string `json:"pipelines,omitempty"`
	Registry     []string            `json:"registry,omitempty"`
	AllowScripts bool                `json:"allow_scripts,omitempty"`
}

// AppConfig is the process configuration. It is read-only for the core
// subsystems once loaded; the in-chat "config set" command mutates it
// through Set and persists via Save.
type AppConfig struct {
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	Verbose int    `json:"verbose,omitempty"`
	Debug   bool   `json:"debug,omitempty"`
	LogFile string `json:"log_file,omitempty"`

	Model      ModelConfig      `json:"model,omitempty"`
	Catalog    CatalogConfig    `json:"catalog,omitempty"`
	Transforms TransformsConfig `json:"transforms,omitempty"`

	CommandTriggers []string `json:"command_triggers,omitempty"`

	dir string
}

// Defaults returns a configuration populated with the compiled-in defaults.
func Defaults() *AppConfig {
	return &AppConfig{
		Host: "localhost",
		Port: DefaultPort,
		Model: ModelConfig{
			Default:                DefaultModel,
			RefreshIntervalMinutes: DefaultRefreshIntervalMinutes,
		},
		Catalog: CatalogConfig{
			TTLMinutes:   DefaultCatalogTTLMinutes,
			StaleMinutes: DefaultCatalogStaleMinutes,
		},
		CommandTriggers: append([]string(nil), DefaultCommandTriggers...),
	}
}

// Dir returns the directory that holds all persisted gateway state.
// COPILOT_CONFIG_DIR overrides the platform default.
func Dir() (string, error) {
	if dir := os.Getenv("COPILOT_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving user config dir: %w", err)
	}
	return filepath.Join(base, "copilot-gateway"), nil
}

// Load builds the effective configuration from defaults, config.json in
// dir, and environment variables, in that order of precedence.
func Load(dir string) (*AppConfig, error) {
	cfg := Defaults()
	cfg.dir = dir

	path := filepath.Join(dir, "config.json")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			// Malformed state is discarded, never fatal.
			cfg = Defaults()
			cfg.dir = dir
		}
	case errors.Is(err, os.ErrNotExist):
		// No file, defaults apply.
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	c.Host = GetEnvWithDefault("COPILOT_API_HOST", c.Host)
	if v, ok := envInt("COPILOT_API_PORT"); ok {
		c.Port = v
	}
	c.Model.Default = GetEnvWithDefault("COPILOT_MODEL_DEFAULT", c.Model.Default)
	if v, ok := envInt("COPILOT_MODEL_REFRESH_MINUTES"); ok {
		c.Model.RefreshIntervalMinutes = v
	}
	if v, ok := envInt("COPILOT_CATALOG_TTL_MINUTES"); ok {
		c.Catalog.TTLMinutes = v
	}
	if v, ok := envInt("COPILOT_CATALOG_STALE_MINUTES"); ok {
		c.Catalog.StaleMinutes = v
	}
	if v, ok := envInt("COPILOT_VERBOSE"); ok {
		c.Verbose = v
	}
	if v := os.Getenv("COPILOT_DEBUG"); v == "true" || v == "1" {
		c.Debug = true
	}
	c.LogFile = GetEnvWithDefault("COPILOT_LOG_FILE", c.LogFile)
	if v := os.Getenv("COPILOT_CMD_TRIGGERS"); v != "" {
		var triggers []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				triggers = append(triggers, t)
			}
		}
		if len(triggers) > 0 {
			c.CommandTriggers = triggers
		}
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Save persists the configuration to config.json, stripping any value
// equal to its default. When nothing differs from the defaults the file
// is removed entirely.
func (c *AppConfig) Save() error {
	if c.dir == "" {
		return errors.New("config has no backing directory")
	}
	path := filepath.Join(c.dir, "config.json")

	stripped := c.stripDefaults()
	if reflect.DeepEqual(stripped, &AppConfig{}) {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	data, err := json.MarshalIndent(stripped, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// stripDefaults returns a copy with every default-valued field zeroed so
// that omitempty drops it from the serialized form.
func (c *AppConfig) stripDefaults() *AppConfig {
	def := Defaults()
	out := *c
	out.dir = ""
	if out.Host == def.Host {
		out.Host = ""
	}
	if out.Port == def.Port {
		out.Port = 0
	}
	if out.Model.Default == def.Model.Default {
		out.Model.Default = ""
	}
	if out.Model.RefreshIntervalMinutes == def.Model.RefreshIntervalMinutes {
		out.Model.RefreshIntervalMinutes = 0
	}
	if out.Catalog.TTLMinutes == def.Catalog.TTLMinutes {
		out.Catalog.TTLMinutes = 0
	}
	if out.Catalog.StaleMinutes == def.Catalog.StaleMinutes {
		out.Catalog.StaleMinutes = 0
	}
	if len(out.CommandTriggers) == len(def.CommandTriggers) {
		same := true
		for i := range out.CommandTriggers {
			if out.CommandTriggers[i] != def.CommandTriggers[i] {
				same = false
				break
			}
		}
		if same {
			out.CommandTriggers = nil
		}
	}
	return &out
}

// SettableKeys lists the configuration keys the in-chat "config set"
// command accepts.
func SettableKeys() []string {
	return []string{
		"model.default",
		"model.refresh_interval_minutes",
		"catalog.ttl_minutes",
		"catalog.stale_minutes",
		"verbose",
	}
}

// Get returns the printable value of a settable key.
func (c *AppConfig) Get(key string) (string, bool) {
	switch key {
	case "model.default":
		return c.Model.Default, true
	case "model.refresh_interval_minutes":
		return strconv.Itoa(c.Model.RefreshIntervalMinutes), true
	case "catalog.ttl_minutes":
		return strconv.Itoa(c.Catalog.TTLMinutes), true
	case "catalog.stale_minutes":
		return strconv.Itoa(c.Catalog.StaleMinutes), true
	case "verbose":
		return strconv.Itoa(c.Verbose), true
	}
	return "", false
}

// Set validates key against the settable set, applies the value and
// persists the configuration.
func (c *AppConfig) Set(key, value string) error {
	switch key {
	case "model.default":
		if value == "" {
			return errors.New("model.default cannot be empty")
		}
		c.Model.Default = value
	case "model.refresh_interval_minutes":
		n, err := positiveInt(value)
		if err != nil {
			return err
		}
		c.Model.RefreshIntervalMinutes = n
	case "catalog.ttl_minutes":
		n, err := positiveInt(value)
		if err != nil {
			return err
		}
		c.Catalog.TTLMinutes = n
	case "catalog.stale_minutes":
		n, err := positiveInt(value)
		if err != nil {
			return err
		}
		c.Catalog.StaleMinutes = n
	case "verbose":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 3 {
			return errors.New("verbose must be 0-3")
		}
		c.Verbose = n
	default:
		return fmt.Errorf("unknown config key %q (settable: %s)", key, strings.Join(SettableKeys(), ", "))
	}
	return c.Save()
}

func positiveInt(value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("expected a positive integer, got %q", value)
	}
	return n, nil
}

// GetEnvWithDefault retrieves an environment variable or returns a
// default value if not set.
func GetEnvWithDefault(name, defaultValue string) string {
	value := os.Getenv(name)
	if value == "" {
		return defaultValue
	}
	return value
}
