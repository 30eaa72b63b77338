package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

type TransportKind string

const (
	TransportStdio     TransportKind = "stdio"
	TransportWebSocket TransportKind = "websocket"
)

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

type TrustBackend string

const (
	TrustBackendMemory   TrustBackend = "memory"
	TrustBackendFile     TrustBackend = "file"
	TrustBackendSQLite   TrustBackend = "sqlite"
	TrustBackendPostgres TrustBackend = "postgres"
	TrustBackendRedis    TrustBackend = "redis"
	TrustBackendS3       TrustBackend = "s3"
)

const (
	DefaultInvokeTimeout  = 60 * time.Second
	DefaultInitTimeout    = 30 * time.Second
	DefaultShutdownGrace  = 2 * time.Second
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMaxAttempts    = 5
)

// ServerConfig describes one tool server. It is immutable once loaded.
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Transport TransportKind     `yaml:"transport,omitempty"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	Cwd       string            `yaml:"cwd,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Disabled  bool              `yaml:"disabled,omitempty"`

	// Type is the mcpServers spelling of Transport.
	Type string `yaml:"type,omitempty"`
}

type Rule struct {
	Pattern string `yaml:"pattern"`
	Effect  Effect `yaml:"effect"`
}

type Permissions struct {
	Rules []Rule `yaml:"rules,omitempty"`
}

type Timeouts struct {
	Invoke        time.Duration `yaml:"invoke,omitempty"`
	Init          time.Duration `yaml:"init,omitempty"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace,omitempty"`
}

type Retry struct {
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	MaxAttempts    int           `yaml:"max_attempts,omitempty"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Object    string `yaml:"object,omitempty"`
	Region    string `yaml:"region,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
	Secure    bool   `yaml:"secure,omitempty"`
}

type TrustStoreConfig struct {
	Backend       TrustBackend `yaml:"backend,omitempty"`
	Path          string       `yaml:"path,omitempty"`
	DSN           string       `yaml:"dsn,omitempty"`
	RedisAddr     string       `yaml:"redis_addr,omitempty"`
	RedisPassword string       `yaml:"redis_password,omitempty"`
	RedisDB       int          `yaml:"redis_db,omitempty"`
	RedisKey      string       `yaml:"redis_key,omitempty"`
	S3            S3Config     `yaml:"s3,omitempty"`
}

type Config struct {
	Servers     []ServerConfig          `yaml:"servers,omitempty"`
	MCPServers  map[string]ServerConfig `yaml:"mcpServers,omitempty"`
	Permissions Permissions             `yaml:"permissions,omitempty"`
	Timeouts    Timeouts                `yaml:"timeouts,omitempty"`
	Retry       Retry                   `yaml:"retry,omitempty"`
	TrustStore  TrustStoreConfig        `yaml:"trust_store,omitempty"`
	LogLevel    string                  `yaml:"log_level,omitempty"`

	// Sources lists the files that contributed, in load order.
	Sources []string `yaml:"-"`
}

func Default() *Config {
	return &Config{
		Timeouts: Timeouts{
			Invoke:        DefaultInvokeTimeout,
			Init:          DefaultInitTimeout,
			ShutdownGrace: DefaultShutdownGrace,
		},
		Retry: Retry{
			InitialBackoff: DefaultInitialBackoff,
			MaxBackoff:     DefaultMaxBackoff,
			MaxAttempts:    DefaultMaxAttempts,
		},
		TrustStore: TrustStoreConfig{
			Backend: TrustBackendFile,
			Path:    filepath.Join(configDirName, trustFileName),
		},
		LogLevel: "info",
	}
}

// Server returns the named server definition.
func (c *Config) Server(name string) (ServerConfig, bool) {
	for _, server := range c.Servers {
		if server.Name == name {
			return server, true
		}
	}
	return ServerConfig{}, false
}

// EnabledServers returns servers not marked disabled, in declared order.
func (c *Config) EnabledServers() []ServerConfig {
	out := make([]ServerConfig, 0, len(c.Servers))
	for _, server := range c.Servers {
		if !server.Disabled {
			out = append(out, server)
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error
	seen := map[string]struct{}{}
	for i, server := range c.Servers {
		if err := server.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("servers[%d]: %w", i, err))
			continue
		}
		if _, dup := seen[server.Name]; dup {
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate server name %q", i, server.Name))
		}
		seen[server.Name] = struct{}{}
	}
	for i, rule := range c.Permissions.Rules {
		if err := rule.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("permissions.rules[%d]: %w", i, err))
		}
	}
	if c.Timeouts.Invoke < 0 || c.Timeouts.Init < 0 || c.Timeouts.ShutdownGrace < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < 0 || c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry settings must not be negative"))
	}
	if c.Retry.MaxBackoff > 0 && c.Retry.InitialBackoff > c.Retry.MaxBackoff {
		errs = append(errs, errors.New("retry.initial_backoff exceeds retry.max_backoff"))
	}
	if err := c.TrustStore.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("trust_store: %w", err))
	}
	return errors.Join(errs...)
}

func (s ServerConfig) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return errors.New("name is required")
	}
	if name != s.Name || strings.ContainsAny(name, "/ \t") {
		return fmt.Errorf("server name %q must not contain slashes or whitespace", s.Name)
	}
	switch s.Transport {
	case TransportStdio:
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("server %q: stdio transport requires command", s.Name)
		}
	case TransportWebSocket:
		parsed, err := url.Parse(strings.TrimSpace(s.URL))
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") || parsed.Host == "" {
			return fmt.Errorf("server %q: websocket transport requires a ws:// or wss:// url", s.Name)
		}
	default:
		return fmt.Errorf("server %q: transport %q is not supported", s.Name, s.Transport)
	}
	return nil
}

func (r Rule) Validate() error {
	pattern := strings.TrimSpace(r.Pattern)
	if pattern == "" {
		return errors.New("pattern is required")
	}
	if !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("pattern %q is not a valid glob", r.Pattern)
	}
	if r.Effect != EffectAllow && r.Effect != EffectDeny {
		return fmt.Errorf("effect %q is not supported", r.Effect)
	}
	return nil
}

func (t TrustStoreConfig) Validate() error {
	switch t.Backend {
	case TrustBackendMemory:
	case TrustBackendFile, TrustBackendSQLite:
		if strings.TrimSpace(t.Path) == "" {
			return fmt.Errorf("backend %q requires path", t.Backend)
		}
	case TrustBackendPostgres:
		if strings.TrimSpace(t.DSN) == "" {
			return errors.New("backend postgres requires dsn")
		}
	case TrustBackendRedis:
		if strings.TrimSpace(t.RedisAddr) == "" {
			return errors.New("backend redis requires redis_addr")
		}
	case TrustBackendS3:
		if strings.TrimSpace(t.S3.Endpoint) == "" || strings.TrimSpace(t.S3.Bucket) == "" {
			return errors.New("backend s3 requires endpoint and bucket")
		}
	default:
		return fmt.Errorf("backend %q is not supported", t.Backend)
	}
	return nil
}

// normalize fills derived fields: transport kinds are inferred from command
// or url, and mcpServers entries are appended to Servers sorted by name.
func (c *Config) normalize() {
	if len(c.MCPServers) > 0 {
		names := make([]string, 0, len(c.MCPServers))
		for name := range c.MCPServers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			server := c.MCPServers[name]
			server.Name = name
			c.Servers = append(c.Servers, server)
		}
		c.MCPServers = nil
	}
	for i := range c.Servers {
		server := &c.Servers[i]
		if server.Transport == "" {
			server.Transport = TransportKind(server.Type)
		}
		server.Type = ""
		server.Transport = TransportKind(strings.ToLower(strings.TrimSpace(string(server.Transport))))
		switch server.Transport {
		case "":
			if strings.TrimSpace(server.Command) != "" {
				server.Transport = TransportStdio
			} else if strings.TrimSpace(server.URL) != "" {
				server.Transport = TransportWebSocket
			}
		case "ws":
			server.Transport = TransportWebSocket
		}
	}
	for i := range c.Permissions.Rules {
		rule := &c.Permissions.Rules[i]
		rule.Pattern = strings.TrimSpace(rule.Pattern)
		rule.Effect = Effect(strings.ToLower(strings.TrimSpace(string(rule.Effect))))
	}
	c.TrustStore.Backend = TrustBackend(strings.ToLower(strings.TrimSpace(string(c.TrustStore.Backend))))
}
