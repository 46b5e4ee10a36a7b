package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	agenterrors "github.com/rcourtman/pulse-netmon/internal/errors"
)

const envPrefix = "NETMON_"

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads configuration in order of precedence: defaults, the YAML file at
// path, a .env file next to it, then NETMON_* environment variables.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment.
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()
	cfg.path = path

	// 1. File
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, agenterrors.WrapConfigError("load_config", fmt.Errorf("parse %s: %w", path, err))
		}
		log.Debug().Str("path", path).Msg("Loaded configuration file")
	case os.IsNotExist(err):
		log.Debug().Str("path", path).Msg("No configuration file, using defaults")
	default:
		return nil, agenterrors.WrapConfigError("load_config", fmt.Errorf("read %s: %w", path, err))
	}

	fileLayer := *cfg
	fileLayer.WatchPaths = append([]string(nil), cfg.WatchPaths...)
	cfg.file = &fileLayer

	// 2. .env beside the config; process environment wins over it
	dotenv := map[string]string{}
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if values, err := godotenv.Read(envFile); err == nil {
		dotenv = values
		log.Debug().Str("path", envFile).Int("keys", len(values)).Msg("Loaded .env overrides")
	} else if !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", envFile).Msg("Failed to read .env file")
	}

	env := func(key string) (string, bool) {
		if lookup != nil {
			if v, ok := lookup(envPrefix + key); ok {
				return v, true
			}
		}
		v, ok := dotenv[envPrefix+key]
		return v, ok
	}

	// 3. Environment
	if err := cfg.applyEnv(env); err != nil {
		return nil, agenterrors.WrapConfigError("load_config", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(env LookupFunc) error {
	strs := map[string]*string{
		"BACKEND_URL": &c.BackendURL,
		"CREDENTIAL":  &c.Credential,
		"AGENT_ID":    &c.AgentID,
		"HOSTNAME":    &c.Hostname,
		"CACHE_FILE":  &c.CacheFile,
		"HEALTH_ADDR": &c.HealthAddr,
		"LOG_LEVEL":   &c.LogLevel,
		"LOG_FORMAT":  &c.LogFormat,
		"LOG_FILE":    &c.LogFile,
	}
	for key, dst := range strs {
		if v, ok := env(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"POLLING_INTERVAL":   &c.PollingInterval,
		"FLUSH_INTERVAL":     &c.FlushInterval,
		"HEARTBEAT_INTERVAL": &c.HeartbeatInterval,
		"RETRY_ATTEMPTS":     &c.RetryAttempts,
		"RETRY_BACKOFF":      &c.RetryBackoff,
		"MAX_CACHE_SIZE":     &c.MaxCacheSize,
		"SHUTDOWN_GRACE":     &c.ShutdownGrace,
		"DNS_TIMEOUT_MS":     &c.DNSTimeoutMS,
	}
	for key, dst := range ints {
		v, ok := env(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"CACHE_REJECTED":       &c.CacheRejected,
		"CREDENTIAL_REQUIRED":  &c.CredentialRequired,
		"INSECURE_SKIP_VERIFY": &c.InsecureSkipVerify,
	}
	for key, dst := range bools {
		v, ok := env(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = b
	}

	if v, ok := env("WATCH_PATHS"); ok {
		c.WatchPaths = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == os.PathListSeparator })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
