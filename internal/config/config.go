package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Root config object
type Config struct {
	Service     ServiceCfg     `yaml:"service"`
	API         APICfg         `yaml:"api"`
	Sync        SyncCfg        `yaml:"sync"`
	Hardware    HardwareCfg    `yaml:"hardware"`
	Permissions PermissionsCfg `yaml:"permissions"`
	Users       []int          `yaml:"users,omitempty"`
	Packages    map[string]int `yaml:"packages,omitempty"`
	Checkin     CheckinCfg     `yaml:"checkin"`

	Receivers  map[string]ReceiverCfg  `yaml:"receivers"`
	Processors map[string]ProcessorCfg `yaml:"processors"`
	Exporters  map[string]ExporterCfg  `yaml:"exporters"`
	Pipelines  map[string]PipelineCfg  `yaml:"pipelines"`
}

// ServiceCfg controls the stats store and its files.
type ServiceCfg struct {
	DataDir        string        `yaml:"data_dir"`
	CheckpointFile string        `yaml:"checkpoint_file"`
	CheckinFile    string        `yaml:"checkin_file"`
	DailyFile      string        `yaml:"daily_file"`
	WriteInterval  time.Duration `yaml:"write_interval"`
	HistorySize    int           `yaml:"history_size"`
	AutoResetLevel int           `yaml:"auto_reset_level"`
}

// APICfg configures the HTTP API.
type APICfg struct {
	Endpoint     string        `yaml:"endpoint"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// SyncCfg configures external stats reconciliation.
type SyncCfg struct {
	// PeriodicInterval schedules a full sync on a timer; zero disables it.
	PeriodicInterval time.Duration `yaml:"periodic_interval"`
	// PullTimeout bounds each hardware read.
	PullTimeout time.Duration `yaml:"pull_timeout"`
	// WaitLogInterval is how often a blocked reader logs while it waits.
	WaitLogInterval time.Duration `yaml:"wait_log_interval"`
	// Apportion selects the energy apportionment policy ("proportional" or "even").
	Apportion string `yaml:"apportion"`
}

// HardwareCfg selects the hardware stats source.
type HardwareCfg struct {
	Type  string         `yaml:"type"` // host | file | fake
	Path  string         `yaml:"path,omitempty"`
	Extra map[string]any `yaml:",inline"`
}

// PermissionsCfg grants permissions to UIDs.
type PermissionsCfg struct {
	PrivilegedUIDs []int            `yaml:"privileged_uids,omitempty"`
	Grants         map[int][]string `yaml:"grants,omitempty"`
}

// CheckinCfg schedules periodic checkin exports.
type CheckinCfg struct {
	Interval  time.Duration `yaml:"interval"`
	Exporters []string      `yaml:"exporters"`
	// Format is "checkin" (CSV rows, default) or "proto".
	Format string `yaml:"format,omitempty"`
}

type ReceiverCfg struct {
	Name     string         `yaml:"-"`
	Type     string         `yaml:"type"`
	Endpoint string         `yaml:"endpoint,omitempty"`
	Brokers  []string       `yaml:"brokers,omitempty"`
	Topic    string         `yaml:"topic,omitempty"`
	Group    string         `yaml:"group,omitempty"`
	Extra    map[string]any `yaml:",inline"`
}

type ProcessorCfg struct {
	Name  string         `yaml:"-"`
	Type  string         `yaml:"type"`
	Expr  string         `yaml:"expr,omitempty"`
	Extra map[string]any `yaml:",inline"`
}

type ExporterCfg struct {
	Name     string         `yaml:"-"`
	Type     string         `yaml:"type"`
	Endpoint string         `yaml:"endpoint,omitempty"`
	Brokers  []string       `yaml:"brokers,omitempty"`
	Topic    string         `yaml:"topic,omitempty"`
	Extra    map[string]any `yaml:",inline"`
}

// PipelineCfg wires receivers through processors into the stats service.
type PipelineCfg struct {
	Receivers  []string `yaml:"receivers"`
	Processors []string `yaml:"processors"`
}

// Load reads YAML config into a Config struct, normalizes composite keys and
// fills defaults. Relative paths are resolved against the config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	// Normalize receivers
	for k, v := range cfg.Receivers {
		typ, name := splitKey(k)
		if v.Type == "" {
			v.Type = typ
		}
		if v.Name == "" {
			v.Name = name
		}
		if v.Extra == nil {
			v.Extra = map[string]any{}
		}
		cfg.Receivers[k] = v
	}

	// Normalize processors
	for k, v := range cfg.Processors {
		typ, name := splitKey(k)
		if v.Type == "" {
			v.Type = typ
		}
		if v.Name == "" {
			v.Name = name
		}
		if v.Extra == nil {
			v.Extra = map[string]any{}
		}
		cfg.Processors[k] = v
	}

	// Normalize exporters
	for k, v := range cfg.Exporters {
		typ, name := splitKey(k)
		if v.Type == "" {
			v.Type = typ
		}
		if v.Name == "" {
			v.Name = name
		}
		if v.Extra == nil {
			v.Extra = map[string]any{}
		}
		cfg.Exporters[k] = v
	}

	cfg.ApplyDefaults()
	cfg.Service.DataDir = ResolvePath(path, cfg.Service.DataDir)
	if cfg.Hardware.Path != "" {
		cfg.Hardware.Path = ResolvePath(path, cfg.Hardware.Path)
	}
	return &cfg, cfg.Validate()
}

// ApplyDefaults fills every unset tunable.
func (c *Config) ApplyDefaults() {
	s := &c.Service
	if s.DataDir == "" {
		s.DataDir = "data"
	}
	if s.CheckpointFile == "" {
		s.CheckpointFile = "batterystats.bin"
	}
	if s.CheckinFile == "" {
		s.CheckinFile = "batterystats-checkin.bin"
	}
	if s.DailyFile == "" {
		s.DailyFile = "batterystats-daily.json"
	}
	if s.WriteInterval == 0 {
		s.WriteInterval = 10 * time.Minute
	}
	if s.HistorySize == 0 {
		s.HistorySize = 1000
	}
	if s.AutoResetLevel == 0 {
		s.AutoResetLevel = 90
	}
	if c.API.Endpoint == "" {
		c.API.Endpoint = ":8086"
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.Sync.PullTimeout == 0 {
		c.Sync.PullTimeout = 2 * time.Second
	}
	if c.Sync.WaitLogInterval == 0 {
		c.Sync.WaitLogInterval = 5 * time.Second
	}
	if c.Sync.Apportion == "" {
		c.Sync.Apportion = "proportional"
	}
	if c.Checkin.Format == "" {
		c.Checkin.Format = "checkin"
	}
	if c.Hardware.Type == "" {
		c.Hardware.Type = "host"
	}
	if c.Hardware.Extra == nil {
		c.Hardware.Extra = map[string]any{}
	}
}

// Validate reports references to undefined components and bad tunables.
func (c *Config) Validate() error {
	if c.Service.AutoResetLevel < 0 || c.Service.AutoResetLevel > 100 {
		return fmt.Errorf("service.auto_reset_level %d out of range", c.Service.AutoResetLevel)
	}
	switch c.Sync.Apportion {
	case "proportional", "even":
	default:
		return fmt.Errorf("sync.apportion %q not supported (want proportional|even)", c.Sync.Apportion)
	}
	for pname, p := range c.Pipelines {
		for _, r := range p.Receivers {
			if _, ok := c.Receivers[r]; !ok {
				return fmt.Errorf("pipeline %q: receiver %q not defined", pname, r)
			}
		}
		for _, pr := range p.Processors {
			if _, ok := c.Processors[pr]; !ok {
				return fmt.Errorf("pipeline %q: processor %q not defined", pname, pr)
			}
		}
	}
	for _, e := range c.Checkin.Exporters {
		if _, ok := c.Exporters[e]; !ok {
			return fmt.Errorf("checkin: exporter %q not defined", e)
		}
	}
	return nil
}

// splitKey lets you write keys like "jsonhttp/public" in YAML.
// It splits into (type, name).
func splitKey(k string) (typ, name string) {
	if k == "" {
		return "", ""
	}
	parts := strings.SplitN(k, "/", 2)
	if len(parts) == 1 {
		return parts[0], parts[0]
	}
	return parts[0], parts[1]
}

// --- Helpers for reading typed extras ---

func (pc ProcessorCfg) ExtraString(key, def string) string { return extraString(pc.Extra, key, def) }

func (pc ProcessorCfg) ExtraBool(key string, def bool) bool { return extraBool(pc.Extra, key, def) }

func (rc ReceiverCfg) ExtraString(key, def string) string { return extraString(rc.Extra, key, def) }

func (rc ReceiverCfg) ExtraBool(key string, def bool) bool { return extraBool(rc.Extra, key, def) }

func (rc ReceiverCfg) ExtraInt(key string, def int) int { return extraInt(rc.Extra, key, def) }

func (ec ExporterCfg) ExtraString(key, def string) string { return extraString(ec.Extra, key, def) }

func (ec ExporterCfg) ExtraBool(key string, def bool) bool { return extraBool(ec.Extra, key, def) }

func (hc HardwareCfg) ExtraString(key, def string) string { return extraString(hc.Extra, key, def) }

func extraString(m map[string]any, key, def string) string {
	if m == nil {
		return def
	}
	if v, ok := m[key]; ok {
		if s, ok2 := v.(string); ok2 {
			return s
		}
	}
	return def
}

func extraBool(m map[string]any, key string, def bool) bool {
	if m == nil {
		return def
	}
	if v, ok := m[key]; ok {
		switch b := v.(type) {
		case bool:
			return b
		case string:
			switch strings.ToLower(b) {
			case "true":
				return true
			case "false":
				return false
			}
		}
	}
	return def
}

func extraInt(m map[string]any, key string, def int) int {
	if m == nil {
		return def
	}
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// --- Utility ---

// ResolvePath returns an absolute path relative to the config file dir.
func ResolvePath(cfgPath, given string) string {
	if filepath.IsAbs(given) {
		return given
	}
	return filepath.Join(filepath.Dir(cfgPath), given)
}
