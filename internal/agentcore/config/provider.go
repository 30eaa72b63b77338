package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configDirName  = ".goyais"
	configFileName = "toolhost.yaml"
	trustFileName  = "trust.yaml"
)

type Provider interface {
	Load(globalPath string, projectPath string, env map[string]string) (*Config, error)
}

// FileProvider reads the global file, then the project file, then Extra.
// Missing global or project files are skipped; Extra files must exist.
type FileProvider struct {
	Extra []string
}

func (p FileProvider) Load(globalPath string, projectPath string, env map[string]string) (*Config, error) {
	out := Default()
	if home := env["HOME"]; home != "" {
		out.TrustStore.Path = filepath.Join(home, configDirName, trustFileName)
	}
	for _, path := range []string{globalPath, projectPath} {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		overlay, err := readFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out.merge(overlay)
		out.Sources = append(out.Sources, path)
	}
	for _, path := range p.Extra {
		overlay, err := readFile(path)
		if err != nil {
			return nil, err
		}
		out.merge(overlay)
		out.Sources = append(out.Sources, path)
	}
	if err := out.applyEnv(env); err != nil {
		return nil, err
	}
	out.TrustStore.Path = expandHome(out.TrustStore.Path, env["HOME"])
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return out, nil
}

type StaticProvider struct {
	Config Config
	Err    error
}

func (p StaticProvider) Load(globalPath string, projectPath string, env map[string]string) (*Config, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	out := p.Config
	out.Servers = append([]ServerConfig(nil), p.Config.Servers...)
	out.Permissions.Rules = append([]Rule(nil), p.Config.Permissions.Rules...)
	out.normalize()
	if out.TrustStore.Backend == "" {
		out.TrustStore.Backend = TrustBackendMemory
	}
	if err := out.applyEnv(env); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// DefaultPaths returns the global and project configuration file locations.
func DefaultPaths(homeDir string, workingDir string) (globalPath string, projectPath string) {
	if strings.TrimSpace(homeDir) != "" {
		globalPath = filepath.Join(homeDir, configDirName, configFileName)
	}
	if strings.TrimSpace(workingDir) == "" {
		workingDir = "."
	}
	projectPath = filepath.Join(workingDir, configDirName, configFileName)
	return globalPath, projectPath
}

// Environ returns the process environment as a map.
func Environ() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok {
			out[key] = value
		}
	}
	return out
}

func readFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out Config
	if len(bytes.TrimSpace(raw)) == 0 {
		return &out, nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out.normalize()
	return &out, nil
}

// merge overlays o onto c. Servers replace same-named entries in place and
// new servers are appended; rules accumulate in load order.
func (c *Config) merge(o *Config) {
	for _, server := range o.Servers {
		replaced := false
		for i := range c.Servers {
			if c.Servers[i].Name == server.Name {
				c.Servers[i] = server
				replaced = true
				break
			}
		}
		if !replaced {
			c.Servers = append(c.Servers, server)
		}
	}
	c.Permissions.Rules = append(c.Permissions.Rules, o.Permissions.Rules...)
	if o.Timeouts.Invoke > 0 {
		c.Timeouts.Invoke = o.Timeouts.Invoke
	}
	if o.Timeouts.Init > 0 {
		c.Timeouts.Init = o.Timeouts.Init
	}
	if o.Timeouts.ShutdownGrace > 0 {
		c.Timeouts.ShutdownGrace = o.Timeouts.ShutdownGrace
	}
	if o.Retry.InitialBackoff > 0 {
		c.Retry.InitialBackoff = o.Retry.InitialBackoff
	}
	if o.Retry.MaxBackoff > 0 {
		c.Retry.MaxBackoff = o.Retry.MaxBackoff
	}
	if o.Retry.MaxAttempts > 0 {
		c.Retry.MaxAttempts = o.Retry.MaxAttempts
	}
	if o.TrustStore.Backend != "" {
		c.TrustStore = o.TrustStore
	}
	if strings.TrimSpace(o.LogLevel) != "" {
		c.LogLevel = o.LogLevel
	}
}

func (c *Config) applyEnv(env map[string]string) error {
	c.LogLevel = getEnv(env, "TOOLHOST_LOG_LEVEL", c.LogLevel)
	if backend := getEnv(env, "TOOLHOST_TRUST_BACKEND", ""); backend != "" {
		c.TrustStore.Backend = TrustBackend(strings.ToLower(backend))
	}
	c.TrustStore.Path = getEnv(env, "TOOLHOST_TRUST_PATH", c.TrustStore.Path)
	c.TrustStore.DSN = getEnv(env, "TOOLHOST_TRUST_DSN", c.TrustStore.DSN)
	c.TrustStore.RedisAddr = getEnv(env, "TOOLHOST_REDIS_ADDR", c.TrustStore.RedisAddr)
	invoke, err := getEnvDuration(env, "TOOLHOST_INVOKE_TIMEOUT", c.Timeouts.Invoke)
	if err != nil {
		return err
	}
	c.Timeouts.Invoke = invoke
	attempts, err := getEnvInt(env, "TOOLHOST_RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	if err != nil {
		return err
	}
	c.Retry.MaxAttempts = attempts
	return nil
}

func getEnv(env map[string]string, key, fallback string) string {
	if v := strings.TrimSpace(env[key]); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(env map[string]string, key string, fallback int) (int, error) {
	v := strings.TrimSpace(env[key])
	if v == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return i, nil
}

func getEnvDuration(env map[string]string, key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(env[key])
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func expandHome(path string, home string) string {
	if home == "" || path == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
