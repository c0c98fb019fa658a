package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Backend types for [spool] and [outgoing].
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQL    = "sql"
	BackendBadger = "badger"
)

// Duration is a time.Duration written as "30s" or "5m" in TOML.
type Duration struct {
	time.Duration
}

// D wraps d for use in a Config literal.
func D(d time.Duration) Duration {
	return Duration{d}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Logging    LoggingConfig    `toml:"logging"`
	Spool      SpoolConfig      `toml:"spool"`
	Outgoing   SpoolConfig      `toml:"outgoing"`
	Dispatcher DispatcherConfig `toml:"dispatcher"`
	Remote     RemoteConfig     `toml:"remote"`
	Delivery   DeliveryConfig   `toml:"delivery"`
	DNS        DNSConfig        `toml:"dns"`
	Cache      CacheConfig      `toml:"cache"`
	Lock       LockConfig       `toml:"lock"`
	Directory  DirectoryConfig  `toml:"directory"`
	Metrics    MetricsConfig    `toml:"metrics"`
	API        APIConfig        `toml:"api"`
	Pipelines  []PipelineConfig `toml:"pipeline"`
}

// ServerConfig identifies this node.
type ServerConfig struct {
	Hostname     string   `toml:"hostname"`
	LocalDomains []string `toml:"local_domains"`
	Postmaster   string   `toml:"postmaster"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text or json
}

// SpoolConfig selects the backing store of one queue.
type SpoolConfig struct {
	Type    string `toml:"type"`
	Dir     string `toml:"dir"`
	Dialect string `toml:"dialect"`
	DSN     string `toml:"dsn"`
}

// DispatcherConfig sizes the pipeline worker pool.
type DispatcherConfig struct {
	Workers int    `toml:"workers"`
	Root    string `toml:"root"`
	Error   string `toml:"error"`
	MaxHops int    `toml:"max_hops"`
}

// BreakerConfig configures the per-host circuit breakers.
type BreakerConfig struct {
	MaxRequests uint32   `toml:"max_requests"`
	Interval    Duration `toml:"interval"`
	Timeout     Duration `toml:"timeout"`
	Failures    uint32   `toml:"failures"`
}

// RemoteConfig configures outbound delivery and retries.
type RemoteConfig struct {
	Workers     int           `toml:"workers"`
	MaxRetries  int           `toml:"max_retries"`
	RetryDelays []Duration    `toml:"retry_delays"`
	Timeout     Duration      `toml:"timeout"`
	Port        int           `toml:"port"`
	Relay       string        `toml:"relay"`
	Breaker     BreakerConfig `toml:"breaker"`
}

// Delays returns the retry schedule as plain durations.
func (r RemoteConfig) Delays() []time.Duration {
	out := make([]time.Duration, len(r.RetryDelays))
	for i, d := range r.RetryDelays {
		out[i] = d.Duration
	}
	return out
}

// DeliveryConfig configures local mailbox delivery.
type DeliveryConfig struct {
	MailboxDir string `toml:"mailbox_dir"`
}

// DNSConfig configures MX resolution.
type DNSConfig struct {
	Server   string   `toml:"server"`
	Timeout  Duration `toml:"timeout"`
	CacheTTL Duration `toml:"cache_ttl"`
}

// CacheConfig selects the resolver cache.
type CacheConfig struct {
	Type     string `toml:"type"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Password string `toml:"password"`
	Database int    `toml:"database"`
}

// LockConfig selects the key lock table.
type LockConfig struct {
	Type     string   `toml:"type"`
	Addr     string   `toml:"addr"`
	Password string   `toml:"password"`
	Database int      `toml:"database"`
	TTL      Duration `toml:"ttl"`
}

// DirectoryConfig configures the LDAP recipient directory. An empty URL
// disables it.
type DirectoryConfig struct {
	URL          string `toml:"url"`
	BindDN       string `toml:"bind_dn"`
	BindPassword string `toml:"bind_password"`
	BaseDN       string `toml:"base_dn"`
	Filter       string `toml:"filter"`
}

// MetricsConfig configures the external counters store.
type MetricsConfig struct {
	ValkeyAddr string `toml:"valkey_addr"`
}

// APIConfig configures the management HTTP endpoint.
type APIConfig struct {
	Enabled    bool   `toml:"enabled"`
	Listen     string `toml:"listen"`
	APIKeyHash string `toml:"api_key_hash"`
}

// PipelineConfig is one [[pipeline]] table.
type PipelineConfig struct {
	Name   string        `toml:"name"`
	Stages []StageConfig `toml:"stage"`
}

// StageConfig is one [[pipeline.stage]] table.
type StageConfig struct {
	Name       string   `toml:"name,omitempty"`
	Match      string   `toml:"match"`
	MatchArgs  []string `toml:"match_args,omitempty"`
	Action     string   `toml:"action"`
	ActionArgs []string `toml:"action_args,omitempty"`
}

// DefaultPipelines returns the root and error pipelines used when the
// configuration names none.
func DefaultPipelines() []PipelineConfig {
	return []PipelineConfig{
		{
			Name: "root",
			Stages: []StageConfig{
				{Name: "local", Match: "HostIsLocal", Action: "LocalDelivery"},
				{Name: "remote", Match: "All", Action: "RemoteDelivery"},
			},
		},
		{
			Name: "error",
			Stages: []StageConfig{
				{Name: "log", Match: "All", Action: "Log"},
				{Name: "bounce", Match: "All", Action: "Bounce"},
			},
		},
	}
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Hostname:     "localhost",
			LocalDomains: []string{"localhost"},
			Postmaster:   "postmaster@localhost",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Spool:   SpoolConfig{Type: BackendFile, Dir: "/var/spool/elemta/spool"},
		Outgoing: SpoolConfig{
			Type: BackendFile,
			Dir:  "/var/spool/elemta/outgoing",
		},
		Dispatcher: DispatcherConfig{
			Workers: 4,
			Root:    "root",
			Error:   "error",
			MaxHops: 32,
		},
		Remote: RemoteConfig{
			Workers:    4,
			MaxRetries: 5,
			RetryDelays: []Duration{
				D(time.Minute), D(5 * time.Minute), D(15 * time.Minute),
				D(time.Hour), D(4 * time.Hour),
			},
			Timeout: D(5 * time.Minute),
			Port:    25,
			Breaker: BreakerConfig{
				MaxRequests: 1,
				Interval:    D(time.Minute),
				Timeout:     D(5 * time.Minute),
				Failures:    5,
			},
		},
		Delivery: DeliveryConfig{MailboxDir: "/var/spool/elemta/mailboxes"},
		DNS: DNSConfig{
			Timeout:  D(5 * time.Second),
			CacheTTL: D(5 * time.Minute),
		},
		Cache:     CacheConfig{Type: "memory"},
		Lock:      LockConfig{Type: "memory", TTL: D(30 * time.Minute)},
		Directory: DirectoryConfig{Filter: "(mail=%s)"},
		API:       APIConfig{Listen: "127.0.0.1:8025"},
		Pipelines: DefaultPipelines(),
	}
}

// FindConfigFile returns path if it exists, or the first file found in the
// standard locations.
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return "", fmt.Errorf("config file not found: %w", err)
		}
		return configPath, nil
	}

	locations := []string{
		"./elemta-core.toml",
		"./config/elemta-core.toml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(home, ".elemta-core.toml"))
	}
	locations = append(locations, "/etc/elemta/elemta-core.toml")

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads a configuration from a file. With an empty path and no
// file in the standard locations the defaults are returned.
func LoadConfig(configPath string) (*Config, error) {
	logger := slog.Default().With("component", "config")
	cfg := DefaultConfig()
	sv := NewSecurityValidator()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		if configPath != "" {
			return nil, err
		}
		logger.Info("No config file found, using defaults")
		return cfg, nil
	}

	if err := sv.ValidateConfigFileSize(configFile); err != nil {
		return nil, fmt.Errorf("config file security validation failed: %w", err)
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Configured pipelines replace the defaults rather than append to them.
	cfg.Pipelines = nil
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}
	if len(cfg.Pipelines) == 0 {
		cfg.Pipelines = DefaultPipelines()
	}

	configDir := filepath.Dir(configFile)
	for _, dir := range []*string{&cfg.Spool.Dir, &cfg.Outgoing.Dir, &cfg.Delivery.MailboxDir} {
		if *dir != "" && !filepath.IsAbs(*dir) {
			*dir = filepath.Join(configDir, *dir)
		}
	}

	result := cfg.Validate()
	if !result.Valid {
		var msgs []string
		for _, e := range result.Errors {
			msgs = append(msgs, e.Error())
		}
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(msgs, "; "))
	}
	for _, w := range result.Warnings {
		logger.Warn("Configuration warning", "field", w.Field, "message", w.Message)
	}

	logger.Info("Configuration loaded", "file", configFile, "hostname", cfg.Server.Hostname)
	return cfg, nil
}

// SaveConfig writes cfg as TOML to path.
func SaveConfig(cfg *Config, path string) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// IsLocalDomain reports whether domain is one of the configured local domains.
func (c *Config) IsLocalDomain(domain string) bool {
	for _, d := range c.Server.LocalDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// Pipeline returns the named pipeline configuration.
func (c *Config) Pipeline(name string) (PipelineConfig, bool) {
	for _, p := range c.Pipelines {
		if p.Name == name {
			return p, true
		}
	}
	return PipelineConfig{}, false
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate checks the configuration and sanitises free-form strings.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}
	sv := NewSecurityValidator()

	c.validateServer(result, sv)
	c.validateLogging(result)
	validateSpool("spool", &c.Spool, result, sv)
	validateSpool("outgoing", &c.Outgoing, result, sv)
	c.validateDispatcher(result)
	c.validateRemote(result, sv)
	c.validateBackends(result, sv)
	c.validatePipelines(result)

	return result
}

func (c *Config) validateServer(result *ValidationResult, sv *SecurityValidator) {
	c.Server.Hostname = sv.SanitizeString(c.Server.Hostname)
	if c.Server.Hostname == "" {
		result.AddError("server.hostname", c.Server.Hostname, "hostname is required")
	} else if err := sv.ValidateHostname(c.Server.Hostname, "server.hostname"); err != nil {
		result.AddError("server.hostname", c.Server.Hostname, err.Error())
	}
	for i, d := range c.Server.LocalDomains {
		if err := sv.ValidateHostname(d, "server.local_domains"); err != nil {
			result.AddError(fmt.Sprintf("server.local_domains[%d]", i), d, err.Error())
		}
	}
	if len(c.Server.LocalDomains) == 0 {
		result.AddWarning("server.local_domains", c.Server.LocalDomains, "no local domains, all mail is relayed")
	}
}

func (c *Config) validateLogging(result *ValidationResult) {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		result.AddError("logging.level", c.Logging.Level, "must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		result.AddError("logging.format", c.Logging.Format, "must be text or json")
	}
}

func validateSpool(section string, s *SpoolConfig, result *ValidationResult, sv *SecurityValidator) {
	switch s.Type {
	case BackendMemory:
		result.AddWarning(section+".type", s.Type, "memory spool loses queued mail on restart")
	case BackendFile, BackendBadger:
		if s.Dir == "" {
			result.AddError(section+".dir", s.Dir, "directory is required for "+s.Type+" backend")
		} else if err := sv.ValidatePath(s.Dir, section+".dir"); err != nil {
			result.AddError(section+".dir", s.Dir, err.Error())
		}
	case BackendSQL:
		switch s.Dialect {
		case "sqlite3", "postgres", "mysql":
		default:
			result.AddError(section+".dialect", s.Dialect, "must be sqlite3, postgres or mysql")
		}
		if s.DSN == "" {
			result.AddError(section+".dsn", s.DSN, "dsn is required for sql backend")
		}
	default:
		result.AddError(section+".type", s.Type, "must be memory, file, sql or badger")
	}
}

func (c *Config) validateDispatcher(result *ValidationResult) {
	d := &c.Dispatcher
	if d.Workers < 1 || d.Workers > 1000 {
		result.AddError("dispatcher.workers", d.Workers, "must be between 1 and 1000")
	}
	if d.MaxHops < 1 {
		result.AddError("dispatcher.max_hops", d.MaxHops, "must be positive")
	}
	if d.Root == "" {
		result.AddError("dispatcher.root", d.Root, "root pipeline name is required")
	}
	if d.Error == "" {
		result.AddError("dispatcher.error", d.Error, "error pipeline name is required")
	}
	if d.Root != "" && d.Root == d.Error {
		result.AddError("dispatcher.error", d.Error, "error pipeline must differ from root pipeline")
	}
}

func (c *Config) validateRemote(result *ValidationResult, sv *SecurityValidator) {
	r := &c.Remote
	if r.Workers < 1 || r.Workers > 1000 {
		result.AddError("remote.workers", r.Workers, "must be between 1 and 1000")
	}
	if r.MaxRetries < 0 {
		result.AddError("remote.max_retries", r.MaxRetries, "must not be negative")
	}
	if len(r.RetryDelays) == 0 {
		result.AddWarning("remote.retry_delays", r.RetryDelays, "no retry delays, failed mail is retried immediately")
	}
	for i, d := range r.RetryDelays {
		if d.Duration < 0 {
			result.AddError(fmt.Sprintf("remote.retry_delays[%d]", i), d.Duration, "must not be negative")
		}
	}
	if r.Timeout.Duration <= 0 {
		result.AddError("remote.timeout", r.Timeout.Duration, "must be positive")
	}
	if err := sv.ValidatePort(r.Port, "remote.port"); err != nil {
		result.AddError("remote.port", r.Port, err.Error())
	}
	if r.Relay != "" {
		if err := sv.ValidateAddress(r.Relay, "remote.relay", true); err != nil {
			result.AddError("remote.relay", r.Relay, err.Error())
		}
	}
}

func (c *Config) validateBackends(result *ValidationResult, sv *SecurityValidator) {
	switch c.Cache.Type {
	case "", "none", "memory":
	case "redis", "memcached":
		if c.Cache.Host == "" {
			result.AddError("cache.host", c.Cache.Host, "host is required for "+c.Cache.Type+" cache")
		}
	default:
		result.AddError("cache.type", c.Cache.Type, "must be none, memory, redis or memcached")
	}

	switch c.Lock.Type {
	case "", "memory":
	case "redis":
		if err := sv.ValidateAddress(c.Lock.Addr, "lock.addr", false); err != nil {
			result.AddError("lock.addr", c.Lock.Addr, err.Error())
		}
		if c.Spool.Type == BackendMemory {
			result.AddWarning("lock.type", c.Lock.Type, "distributed locks over a memory spool are not shared")
		}
	default:
		result.AddError("lock.type", c.Lock.Type, "must be memory or redis")
	}

	if c.DNS.Server != "" {
		if err := sv.ValidateAddress(c.DNS.Server, "dns.server", true); err != nil {
			result.AddError("dns.server", c.DNS.Server, err.Error())
		}
	}
	if c.API.Enabled {
		if err := sv.ValidateAddress(c.API.Listen, "api.listen", false); err != nil {
			result.AddError("api.listen", c.API.Listen, err.Error())
		}
		if c.API.APIKeyHash == "" {
			result.AddWarning("api.api_key_hash", "", "management API has no key")
		}
	}
	if c.Delivery.MailboxDir != "" {
		if err := sv.ValidatePath(c.Delivery.MailboxDir, "delivery.mailbox_dir"); err != nil {
			result.AddError("delivery.mailbox_dir", c.Delivery.MailboxDir, err.Error())
		}
	}
}

func (c *Config) validatePipelines(result *ValidationResult) {
	seen := make(map[string]bool)
	for i, p := range c.Pipelines {
		field := fmt.Sprintf("pipeline[%d]", i)
		switch {
		case p.Name == "":
			result.AddError(field+".name", p.Name, "pipeline name is required")
		case p.Name == "ghost" || p.Name == "ready":
			result.AddError(field+".name", p.Name, "reserved state name")
		case seen[p.Name]:
			result.AddError(field+".name", p.Name, "duplicate pipeline name")
		}
		seen[p.Name] = true

		for j, s := range p.Stages {
			sf := fmt.Sprintf("%s.stage[%d]", field, j)
			if s.Match == "" {
				result.AddError(sf+".match", s.Match, "classifier is required")
			}
			if s.Action == "" {
				result.AddError(sf+".action", s.Action, "action is required")
			}
		}
	}
	if !seen[c.Dispatcher.Root] {
		result.AddError("dispatcher.root", c.Dispatcher.Root, "no pipeline with this name")
	}
	if !seen[c.Dispatcher.Error] {
		result.AddWarning("dispatcher.error", c.Dispatcher.Error, "no error pipeline, failed mail is discarded")
	}
}
