package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/timzifer/pvmailbox/pv"
	"github.com/timzifer/pvmailbox/value"
)

// DefaultListen is the gateway address used when none is configured.
const DefaultListen = "127.0.0.1:8075"

// DefaultReloadInterval is the polling interval used for hot reload.
const DefaultReloadInterval = 2 * time.Second

// Duration wraps time.Duration to support unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	return d.parse(raw)
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// UnmarshalJSON accepts duration strings and plain nanosecond counts.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	switch v := raw.(type) {
	case nil:
		d.Duration = 0
		return nil
	case string:
		return d.parse(v)
	case float64:
		d.Duration = time.Duration(v)
		return nil
	default:
		return fmt.Errorf("decode duration: unexpected %T", raw)
	}
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) parse(raw string) error {
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// ModuleReference records where a configuration entry was declared.
type ModuleReference struct {
	File        string `yaml:"-" json:"-"`
	Name        string `yaml:"-" json:"-"`
	Description string `yaml:"-" json:"-"`
}

// ModuleInclude references another YAML file or directory merged into the
// including configuration.
type ModuleInclude struct {
	Path        string `yaml:"path" json:"path"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// UnmarshalYAML accepts either a plain path or a mapping.
func (m *ModuleInclude) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.ScalarNode:
		var path string
		if err := value.Decode(&path); err != nil {
			return err
		}
		m.Path = strings.TrimSpace(path)
		return nil
	case yaml.MappingNode:
		type alias ModuleInclude
		var decoded alias
		if err := value.Decode(&decoded); err != nil {
			return err
		}
		*m = ModuleInclude(decoded)
		m.Path = strings.TrimSpace(m.Path)
		return nil
	default:
		return fmt.Errorf("module include must be a string or mapping")
	}
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	URL     string            `yaml:"url" json:"url"`
	Labels  map[string]string `yaml:"labels" json:"labels,omitempty"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level" json:"level,omitempty"`
	Format string     `yaml:"format,omitempty" json:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki" json:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	Listen string `yaml:"listen" json:"listen,omitempty"`
	// Heartbeat is the interval of keepalive lines on idle monitor streams.
	Heartbeat Duration `yaml:"heartbeat,omitempty" json:"heartbeat,omitempty"`
}

// SubscriptionConfig bounds the per-subscription update queue.
type SubscriptionConfig struct {
	QueueSize int    `yaml:"queue_size,omitempty" json:"queue_size,omitempty"`
	Overflow  string `yaml:"overflow,omitempty" json:"overflow,omitempty"`
}

// MQTTTLSConfig configures TLS for the MQTT bridge.
type MQTTTLSConfig struct {
	Enabled            bool   `yaml:"enabled" json:"enabled"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty" json:"ca_file,omitempty"`
	CertFile           string `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	ServerName         string `yaml:"server_name,omitempty" json:"server_name,omitempty"`
}

// MQTTConfig mirrors PVs onto an MQTT broker.
type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Broker         string        `yaml:"broker" json:"broker,omitempty"`
	ClientID       string        `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	Username       string        `yaml:"username,omitempty" json:"username,omitempty"`
	Password       string        `yaml:"password,omitempty" json:"password,omitempty"`
	Prefix         string        `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	QoS            byte          `yaml:"qos,omitempty" json:"qos,omitempty"`
	Retain         bool          `yaml:"retain,omitempty" json:"retain,omitempty"`
	KeepAlive      Duration      `yaml:"keep_alive,omitempty" json:"keep_alive,omitempty"`
	ConnectTimeout Duration      `yaml:"connect_timeout,omitempty" json:"connect_timeout,omitempty"`
	TLS            MQTTTLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// PVConfig declares one mailbox process variable.
type PVConfig struct {
	Name        string          `yaml:"name" json:"name"`
	Type        string          `yaml:"type" json:"type"`
	Initial     interface{}     `yaml:"initial,omitempty" json:"initial,omitempty"`
	PutGuard    string          `yaml:"put_guard,omitempty" json:"put_guard,omitempty"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Source      ModuleReference `yaml:"-" json:"-"`
}

// Kind parses the declared type. An empty type selects int.
func (p PVConfig) Kind() (value.Kind, error) {
	if strings.TrimSpace(p.Type) == "" {
		return value.KindInt, nil
	}
	return value.ParseKind(p.Type)
}

// InitialValue returns the value the PV is opened with.
func (p PVConfig) InitialValue() (value.Value, error) {
	kind, err := p.Kind()
	if err != nil {
		return value.Value{}, err
	}
	if p.Initial == nil {
		return value.Scalar(kind).Zero(), nil
	}
	return value.Scalar(kind).Wrap(p.Initial)
}

// Config is the root configuration structure for the service.
type Config struct {
	Name           string             `yaml:"name,omitempty" json:"name,omitempty"`
	Description    string             `yaml:"description,omitempty" json:"description,omitempty"`
	Logging        LoggingConfig      `yaml:"logging" json:"logging"`
	Telemetry      TelemetryConfig    `yaml:"telemetry" json:"telemetry"`
	Gateway        GatewayConfig      `yaml:"gateway" json:"gateway"`
	Subscriptions  SubscriptionConfig `yaml:"subscriptions" json:"subscriptions"`
	MQTT           MQTTConfig         `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	Modules        []ModuleInclude    `yaml:"modules,omitempty" json:"modules,omitempty"`
	PVs            []PVConfig         `yaml:"pvs" json:"pvs"`
	HotReload      bool               `yaml:"hot_reload,omitempty" json:"hot_reload,omitempty"`
	ReloadInterval Duration           `yaml:"reload_interval,omitempty" json:"reload_interval,omitempty"`
	Source         ModuleReference    `yaml:"-" json:"-"`

	sources []string
}

// Load reads the configuration from a YAML file, a CUE file or a directory.
// Directories containing CUE files are loaded as one CUE instance; otherwise
// every YAML file in the directory is merged in lexical order.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat config path: %w", err)
	}

	var cfg *Config
	switch {
	case info.IsDir() && dirHasCUE(abs):
		cfg, err = loadCUE(abs, true)
	case info.IsDir():
		cfg, err = loadDir(abs, make(map[string]struct{}))
	case strings.EqualFold(filepath.Ext(abs), ".cue"):
		cfg, err = loadCUE(abs, false)
	default:
		cfg, err = loadFile(abs, make(map[string]struct{}))
	}
	if err != nil {
		return nil, err
	}
	if cfg.Source.File == "" {
		cfg.Source.File = abs
	}
	return cfg, nil
}

// ListenAddress returns the configured gateway address.
func (c *Config) ListenAddress() string {
	if c == nil || strings.TrimSpace(c.Gateway.Listen) == "" {
		return DefaultListen
	}
	return strings.TrimSpace(c.Gateway.Listen)
}

// HotReloadInterval returns the polling interval used for hot reload.
func (c *Config) HotReloadInterval() time.Duration {
	if c == nil || c.ReloadInterval.Duration <= 0 {
		return DefaultReloadInterval
	}
	return c.ReloadInterval.Duration
}

// OverflowPolicy returns the parsed subscription overflow policy.
func (c *Config) OverflowPolicy() (pv.OverflowPolicy, error) {
	if c == nil {
		return pv.OverflowDropOldest, nil
	}
	return pv.ParseOverflowPolicy(c.Subscriptions.Overflow)
}

// Validate checks PV declarations and subscription settings.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if c.Subscriptions.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("subscriptions.queue_size must not be negative"))
	}
	if _, err := c.OverflowPolicy(); err != nil {
		errs = append(errs, err)
	}
	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.Broker) == "" {
		errs = append(errs, fmt.Errorf("mqtt.broker is required when mqtt is enabled"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2"))
	}
	seen := make(map[string]string, len(c.PVs))
	for i, p := range c.PVs {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("pvs[%d]: name must not be empty", i))
			continue
		}
		if prev, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("pv %s declared twice (%s and %s)", name, prev, sourceLabel(p.Source)))
			continue
		}
		seen[name] = sourceLabel(p.Source)
		if _, err := p.InitialValue(); err != nil {
			errs = append(errs, fmt.Errorf("pv %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func sourceLabel(ref ModuleReference) string {
	if ref.File == "" {
		return "<inline>"
	}
	return filepath.Base(ref.File)
}

func loadFile(path string, visited map[string]struct{}) (*Config, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var document yaml.Node
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	if len(document.Content) == 0 || document.Content[0] == nil {
		return nil, fmt.Errorf("config %s is empty", path)
	}
	root := document.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config %s: top-level YAML document must be a mapping", path)
	}

	var cfg Config
	if err := root.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.setSource(ModuleReference{File: path, Name: cfg.Name, Description: cfg.Description})
	cfg.sources = []string{path}

	modules := cfg.Modules
	cfg.Modules = nil
	baseDir := filepath.Dir(path)
	for _, module := range modules {
		if module.Path == "" {
			continue
		}
		modulePath := module.Path
		if !filepath.IsAbs(modulePath) {
			modulePath = filepath.Join(baseDir, module.Path)
		}
		info, err := os.Stat(modulePath)
		if err != nil {
			return nil, fmt.Errorf("load module %s: %w", module.Path, err)
		}
		var child *Config
		if info.IsDir() {
			child, err = loadDir(modulePath, visited)
		} else {
			child, err = loadFile(modulePath, visited)
		}
		if err != nil {
			return nil, fmt.Errorf("load module %s: %w", module.Path, err)
		}
		child.applyModuleMetadata(ModuleReference{Name: module.Name, Description: module.Description})
		mergeConfig(&cfg, child)
	}
	return &cfg, nil
}

func loadDir(path string, visited map[string]struct{}) (*Config, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	result := &Config{Source: ModuleReference{File: path}}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		cfg, err := loadFile(filepath.Join(path, entry.Name()), visited)
		if err != nil {
			return nil, err
		}
		mergeConfig(result, cfg)
	}
	return result, nil
}

func dirHasCUE(path string) bool {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.EqualFold(filepath.Ext(entry.Name()), ".cue") {
			return true
		}
	}
	return false
}

func mergeConfig(dst, src *Config) {
	if dst == nil || src == nil {
		return
	}
	if dst.Name == "" {
		dst.Name = src.Name
	}
	if dst.Description == "" {
		dst.Description = src.Description
	}
	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		dst.Logging.Format = src.Logging.Format
	}
	if src.Logging.Loki.Enabled || src.Logging.Loki.URL != "" || len(src.Logging.Loki.Labels) > 0 {
		dst.Logging.Loki = src.Logging.Loki
	}
	if src.Telemetry.Enabled || src.Telemetry.Provider != "" {
		dst.Telemetry = src.Telemetry
	}
	if src.Gateway.Listen != "" {
		dst.Gateway.Listen = src.Gateway.Listen
	}
	if src.Gateway.Heartbeat.Duration != 0 {
		dst.Gateway.Heartbeat = src.Gateway.Heartbeat
	}
	if src.Subscriptions.QueueSize != 0 {
		dst.Subscriptions.QueueSize = src.Subscriptions.QueueSize
	}
	if src.Subscriptions.Overflow != "" {
		dst.Subscriptions.Overflow = src.Subscriptions.Overflow
	}
	if src.MQTT.Enabled || src.MQTT.Broker != "" {
		dst.MQTT = src.MQTT
	}
	if src.HotReload {
		dst.HotReload = true
	}
	if src.ReloadInterval.Duration != 0 {
		dst.ReloadInterval = src.ReloadInterval
	}
	dst.PVs = append(dst.PVs, src.PVs...)
	dst.sources = append(dst.sources, src.sources...)
}

func (c *Config) setSource(meta ModuleReference) {
	c.Source = meta
	for i := range c.PVs {
		c.PVs[i].Source = mergeInitialSource(c.PVs[i].Source, meta)
	}
}

func (c *Config) applyModuleMetadata(meta ModuleReference) {
	for i := range c.PVs {
		if meta.Name != "" {
			c.PVs[i].Source.Name = meta.Name
		}
		if meta.Description != "" {
			c.PVs[i].Source.Description = meta.Description
		}
	}
}

func mergeInitialSource(child, meta ModuleReference) ModuleReference {
	if child.File == "" {
		child.File = meta.File
	}
	if child.Name == "" {
		child.Name = meta.Name
	}
	if child.Description == "" {
		child.Description = meta.Description
	}
	return child
}
