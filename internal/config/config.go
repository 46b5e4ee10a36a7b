// Package config holds the agent's tunables and credential.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	agenterrors "github.com/rcourtman/pulse-netmon/internal/errors"
)

const (
	DefaultBackendURL        = "http://localhost:5001/api"
	DefaultPollingInterval   = 1
	DefaultFlushInterval     = 10
	DefaultHeartbeatInterval = 60
	DefaultRetryAttempts     = 3
	DefaultRetryBackoff      = 5
	DefaultMaxCacheSize      = 100
	DefaultShutdownGrace     = 10
	DefaultDNSTimeoutMS      = 300

	cacheFileName = "telemetry_cache.json"
)

// Config is the persisted agent configuration. Intervals are in seconds.
type Config struct {
	BackendURL         string   `yaml:"backend_url"`
	Credential         string   `yaml:"credential,omitempty"`
	CredentialRequired bool     `yaml:"credential_required"`
	AgentID            string   `yaml:"agent_id,omitempty"`
	Hostname           string   `yaml:"hostname,omitempty"`
	PollingInterval    int      `yaml:"polling_interval"`
	FlushInterval      int      `yaml:"flush_interval"`
	HeartbeatInterval  int      `yaml:"heartbeat_interval"`
	RetryAttempts      int      `yaml:"retry_attempts"`
	RetryBackoff       int      `yaml:"retry_backoff"`
	MaxCacheSize       int      `yaml:"max_cache_size"`
	CacheFile          string   `yaml:"cache_file,omitempty"`
	CacheRejected      bool     `yaml:"cache_rejected"`
	ShutdownGrace      int      `yaml:"shutdown_grace"`
	DNSTimeoutMS       int      `yaml:"dns_timeout_ms"`
	WatchPaths         []string `yaml:"watch_paths,omitempty"`
	HealthAddr         string   `yaml:"health_addr,omitempty"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify,omitempty"`
	LogLevel           string   `yaml:"log_level,omitempty"`
	LogFormat          string   `yaml:"log_format,omitempty"`
	LogFile            string   `yaml:"log_file,omitempty"`

	path string
	// file holds defaults plus the file contents, without environment or
	// flag overrides. Save writes it.
	file *Config
}

// Default returns a configuration with every tunable at its default.
func Default() *Config {
	return &Config{
		BackendURL:        DefaultBackendURL,
		PollingInterval:   DefaultPollingInterval,
		FlushInterval:     DefaultFlushInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
		RetryAttempts:     DefaultRetryAttempts,
		RetryBackoff:      DefaultRetryBackoff,
		MaxCacheSize:      DefaultMaxCacheSize,
		CacheRejected:     true,
		ShutdownGrace:     DefaultShutdownGrace,
		DNSTimeoutMS:      DefaultDNSTimeoutMS,
		LogLevel:          "info",
		LogFormat:         "auto",
	}
}

// DefaultPath is where the agent looks for its config when none is given.
func DefaultPath() string {
	switch runtime.GOOS {
	case "windows":
		if base := os.Getenv("ProgramData"); base != "" {
			return filepath.Join(base, "PulseNetmon", "agent.yaml")
		}
		return `C:\ProgramData\PulseNetmon\agent.yaml`
	case "darwin":
		return "/Library/Application Support/PulseNetmon/agent.yaml"
	default:
		return "/etc/pulse-netmon/agent.yaml"
	}
}

// Path returns the file the config was loaded from and is saved to.
func (c *Config) Path() string { return c.path }

// SetPath changes where Save writes.
func (c *Config) SetPath(path string) { c.path = path }

// Dir is the directory holding the config file.
func (c *Config) Dir() string {
	if c.path == "" {
		return "."
	}
	return filepath.Dir(c.path)
}

// CachePath resolves the cache file, relative paths being relative to Dir.
func (c *Config) CachePath() string {
	p := strings.TrimSpace(c.CacheFile)
	if p == "" {
		p = cacheFileName
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir(), p)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c *Config) PollingEvery() time.Duration   { return seconds(c.PollingInterval) }
func (c *Config) FlushEvery() time.Duration     { return seconds(c.FlushInterval) }
func (c *Config) HeartbeatEvery() time.Duration { return seconds(c.HeartbeatInterval) }
func (c *Config) RetryStep() time.Duration      { return seconds(c.RetryBackoff) }
func (c *Config) Grace() time.Duration          { return seconds(c.ShutdownGrace) }
func (c *Config) DNSTimeout() time.Duration {
	return time.Duration(c.DNSTimeoutMS) * time.Millisecond
}

// Keys lists the names accepted by Get.
var Keys = []string{
	"pollingInterval", "flushInterval", "heartbeatInterval", "maxCacheSize",
	"retryAttempts", "retryBackoffSeconds", "backendUrl", "credential",
	"agentId", "hostname", "cacheFile", "cacheRejected",
}

// Get returns a tunable by name, formatted as a string.
func (c *Config) Get(key string) (string, bool) {
	switch key {
	case "pollingInterval":
		return strconv.Itoa(c.PollingInterval), true
	case "flushInterval":
		return strconv.Itoa(c.FlushInterval), true
	case "heartbeatInterval":
		return strconv.Itoa(c.HeartbeatInterval), true
	case "maxCacheSize":
		return strconv.Itoa(c.MaxCacheSize), true
	case "retryAttempts":
		return strconv.Itoa(c.RetryAttempts), true
	case "retryBackoffSeconds":
		return strconv.Itoa(c.RetryBackoff), true
	case "backendUrl":
		return c.BackendURL, true
	case "credential":
		return c.Credential, true
	case "agentId":
		return c.AgentID, true
	case "hostname":
		return c.Hostname, true
	case "cacheFile":
		return c.CachePath(), true
	case "cacheRejected":
		return strconv.FormatBool(c.CacheRejected), true
	default:
		return "", false
	}
}

// HasCredential reports whether a credential is configured.
func (c *Config) HasCredential() bool {
	return strings.TrimSpace(c.Credential) != ""
}

// SetCredential stores a new collector credential.
func (c *Config) SetCredential(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return agenterrors.WrapConfigError("set_credential", errors.New("credential must not be empty"))
	}
	c.Credential = token
	if c.file != nil {
		c.file.Credential = token
	}
	return nil
}

// EnsureAgentID assigns a stable "sys-" id if none is set and reports whether
// one was generated.
func (c *Config) EnsureAgentID() bool {
	if strings.TrimSpace(c.AgentID) != "" {
		return false
	}
	c.AgentID = NewAgentID()
	if c.file != nil {
		c.file.AgentID = c.AgentID
	}
	return true
}

// NewAgentID returns "sys-" followed by 12 hex characters.
func NewAgentID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "sys-" + id[:12]
}

// Validate checks everything the agent needs before starting.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(strings.TrimSpace(c.BackendURL))
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("backend_url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("backend_url: scheme must be http or https, got %q", u.Scheme))
	case u.Host == "":
		errs = append(errs, errors.New("backend_url: missing host"))
	}

	positive := []struct {
		name  string
		value int
	}{
		{"polling_interval", c.PollingInterval},
		{"flush_interval", c.FlushInterval},
		{"heartbeat_interval", c.HeartbeatInterval},
		{"retry_attempts", c.RetryAttempts},
		{"max_cache_size", c.MaxCacheSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.value))
		}
	}
	if c.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("retry_backoff must not be negative, got %d", c.RetryBackoff))
	}
	if c.ShutdownGrace < 0 {
		errs = append(errs, fmt.Errorf("shutdown_grace must not be negative, got %d", c.ShutdownGrace))
	}
	if c.DNSTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("dns_timeout_ms must be positive, got %d", c.DNSTimeoutMS))
	}
	if c.CredentialRequired && !c.HasCredential() {
		errs = append(errs, errors.New("credential is required; run the register command first"))
	}

	if len(errs) > 0 {
		return agenterrors.WrapConfigError("validate_config", errors.Join(errs...))
	}
	return nil
}

// Save writes the config back to its path atomically. For a loaded config only
// the file layer is written, plus changes made through SetCredential and
// EnsureAgentID; environment and flag overrides never reach the file.
func (c *Config) Save() error {
	if c.path == "" {
		return agenterrors.WrapConfigError("save_config", errors.New("config has no path"))
	}
	out := c
	if c.file != nil {
		out = c.file
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return agenterrors.WrapPersistenceError("save_config", c.path, fmt.Errorf("marshal: %w", err))
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return agenterrors.WrapPersistenceError("save_config", c.path, err)
	}
	if err := atomic.WriteFile(c.path, bytes.NewReader(data)); err != nil {
		return agenterrors.WrapPersistenceError("save_config", c.path, err)
	}
	// The file holds the collector credential.
	if err := os.Chmod(c.path, 0o600); err != nil && runtime.GOOS != "windows" {
		return agenterrors.WrapPersistenceError("save_config", c.path, err)
	}
	return nil
}
