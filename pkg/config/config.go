// Package config loads endpoint configuration from YAML and turns it
// into the concrete pieces an endpoint needs: handshake parameters, a
// configuration store, and a protocol logger.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/framelink-protocol/framelink-go/pkg/handshake"
	"github.com/framelink-protocol/framelink-go/pkg/log"
	"github.com/framelink-protocol/framelink-go/pkg/origin"
	"github.com/framelink-protocol/framelink-go/pkg/session"
	"github.com/framelink-protocol/framelink-go/pkg/store"
	"github.com/framelink-protocol/framelink-go/pkg/version"
	"github.com/framelink-protocol/framelink-go/pkg/wire"
)

// ErrInvalid indicates a configuration that fails validation.
var ErrInvalid = errors.New("invalid endpoint config")

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// EndpointConfig is the root configuration document for one endpoint.
type EndpointConfig struct {
	// Role is "outer" or "inner".
	Role string `yaml:"role"`

	// AllowedOrigins are the counterpart origins accepted before pinning.
	AllowedOrigins []string `yaml:"allowed_origins"`

	Versions  VersionsConfig  `yaml:"versions"`
	Deadlines DeadlinesConfig `yaml:"deadlines"`
	Retry     RetryConfig     `yaml:"retry"`
	Setup     SetupConfig     `yaml:"setup"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
}

// VersionsConfig declares the protocol versions for the Setup phase.
// Outer endpoints list supported versions; Inner endpoints give a range.
type VersionsConfig struct {
	Supported []string `yaml:"supported"`
	Min       string   `yaml:"min"`
	Max       string   `yaml:"max"`
}

// DeadlinesConfig bounds the awaiting states. Zero values take defaults.
type DeadlinesConfig struct {
	Handshake Duration `yaml:"handshake"`
	Reply     Duration `yaml:"reply"`
	Final     Duration `yaml:"final"`
}

// RetryConfig enables resending the wildcard opening handshake.
type RetryConfig struct {
	Enabled     bool     `yaml:"enabled"`
	MaxAttempts int      `yaml:"max_attempts"`
	Initial     Duration `yaml:"initial"`
	Max         Duration `yaml:"max"`
}

// SetupConfig carries the Inner endpoint's setup declarations.
type SetupConfig struct {
	RequiresVisibleSetup bool               `yaml:"requires_visible_setup"`
	Permissions          []PermissionConfig `yaml:"permissions"`
}

// PermissionConfig declares one requested permission.
type PermissionConfig struct {
	Name     string   `yaml:"name"`
	Phases   []string `yaml:"phases"`
	Required bool     `yaml:"required"`
	Purpose  string   `yaml:"purpose"`
}

// StoreConfig selects the server-config store backend.
type StoreConfig struct {
	// Backend is "memory", "file" or "redis". Empty means memory.
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr      string   `yaml:"addr"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"key_prefix"`
	TTL       Duration `yaml:"ttl"`
}

// LogConfig selects protocol logging sinks.
type LogConfig struct {
	// File receives CBOR-encoded protocol events. Empty disables it.
	File string `yaml:"file"`
}

// Load reads and parses an endpoint configuration file.
func Load(path string) (*EndpointConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses an endpoint configuration from YAML bytes and validates it.
func Parse(data []byte) (*EndpointConfig, error) {
	var cfg EndpointConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SessionRole maps the role string to the session role.
func (c *EndpointConfig) SessionRole() (session.Role, error) {
	switch c.Role {
	case "outer":
		return session.RoleOuter, nil
	case "inner":
		return session.RoleInner, nil
	default:
		return 0, fmt.Errorf("%w: role %q, want \"outer\" or \"inner\"", ErrInvalid, c.Role)
	}
}

// Validate checks the document for contradictions before any component
// is built from it.
func (c *EndpointConfig) Validate() error {
	role, err := c.SessionRole()
	if err != nil {
		return err
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("%w: allowed_origins must not be empty", ErrInvalid)
	}
	for _, o := range c.AllowedOrigins {
		if o == "" || origin.Origin(o).IsWildcard() {
			return fmt.Errorf("%w: %q is not a valid allowlist origin", ErrInvalid, o)
		}
	}

	switch role {
	case session.RoleOuter:
		if len(c.Versions.Supported) == 0 {
			return fmt.Errorf("%w: outer endpoint needs versions.supported", ErrInvalid)
		}
		for _, v := range c.Versions.Supported {
			if _, err := version.Parse(v); err != nil {
				return fmt.Errorf("%w: versions.supported: %v", ErrInvalid, err)
			}
		}
	case session.RoleInner:
		if _, err := version.ParseRange(c.Versions.Min, c.Versions.Max); err != nil {
			return fmt.Errorf("%w: versions.min/max: %v", ErrInvalid, err)
		}
	}

	for _, p := range c.Setup.Permissions {
		if _, err := p.requirement(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	switch c.Store.Backend {
	case "", "memory":
	case "file":
		if c.Store.Path == "" {
			return fmt.Errorf("%w: file store needs store.path", ErrInvalid)
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("%w: redis store needs store.redis.addr", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalid, c.Store.Backend)
	}
	return nil
}

func (p PermissionConfig) requirement() (wire.PermissionRequirement, error) {
	req := wire.PermissionRequirement{
		Name:     p.Name,
		Required: p.Required,
		Purpose:  p.Purpose,
	}
	for _, phase := range p.Phases {
		req.Phases = append(req.Phases, wire.PermissionPhase(phase))
	}
	if err := req.Validate(); err != nil {
		return wire.PermissionRequirement{}, err
	}
	return req, nil
}

// HandshakeConfig builds the handshake machine configuration. The logger
// is not set here; callers attach one from OpenLogger or their own.
func (c *EndpointConfig) HandshakeConfig() (handshake.Config, error) {
	role, err := c.SessionRole()
	if err != nil {
		return handshake.Config{}, err
	}

	out := handshake.Config{
		Deadlines: handshake.Deadlines{
			Handshake: c.Deadlines.Handshake.Std(),
			Reply:     c.Deadlines.Reply.Std(),
			Final:     c.Deadlines.Final.Std(),
		},
	}
	for _, o := range c.AllowedOrigins {
		out.AllowedOrigins = append(out.AllowedOrigins, origin.Origin(o))
	}

	switch role {
	case session.RoleOuter:
		for _, v := range c.Versions.Supported {
			parsed, err := version.Parse(v)
			if err != nil {
				return handshake.Config{}, err
			}
			out.SupportedVersions = append(out.SupportedVersions, parsed)
		}
	case session.RoleInner:
		rng, err := version.ParseRange(c.Versions.Min, c.Versions.Max)
		if err != nil {
			return handshake.Config{}, err
		}
		out.RequestedRange = rng
		out.RequiresVisibleSetup = c.Setup.RequiresVisibleSetup
		for _, p := range c.Setup.Permissions {
			req, err := p.requirement()
			if err != nil {
				return handshake.Config{}, err
			}
			out.RequestedPermissions = append(out.RequestedPermissions, req)
		}
	}

	if c.Retry.Enabled {
		policy := handshake.DefaultRetryPolicy()
		if c.Retry.MaxAttempts > 0 {
			policy.MaxAttempts = c.Retry.MaxAttempts
		}
		if c.Retry.Initial > 0 {
			policy.Initial = c.Retry.Initial.Std()
		}
		if c.Retry.Max > 0 {
			policy.Max = c.Retry.Max.Std()
		}
		out.Retry = policy
	}
	return out, nil
}

// OpenStore builds the configured server-config store.
func (c *EndpointConfig) OpenStore() (store.Store, error) {
	switch c.Store.Backend {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "file":
		return store.NewFileStore(c.Store.Path), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     c.Store.Redis.Addr,
			Password: c.Store.Redis.Password,
			DB:       c.Store.Redis.DB,
		})
		return store.NewRedisStore(store.RedisConfig{
			Client:    client,
			KeyPrefix: c.Store.Redis.KeyPrefix,
			TTL:       c.Store.Redis.TTL.Std(),
		})
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", ErrInvalid, c.Store.Backend)
	}
}

// OpenLogger builds the configured protocol logger. With no sinks
// configured it returns a NoopLogger.
func (c *EndpointConfig) OpenLogger() (log.Logger, error) {
	if c.Log.File == "" {
		return log.NoopLogger{}, nil
	}
	return log.NewFileLogger(c.Log.File)
}
