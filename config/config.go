// Package config is the typed configuration provider every other package
// consumes. The core depends only on the Provider interface and the typed
// Config struct, never on viper directly outside this package.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Provider is the XPath-style read interface the core consumes, matching
// the bus's configuration store.
type Provider interface {
	String(path string) string
	StringList(path string) []string
	Int(path string) int
	Bool(path string) bool
	Sub(path string) Provider
}

// UnixConfig is the per-service prefork sizing block,
// `/apps/<svc>/unix_config/*`.
type UnixConfig struct {
	MaxRequests     int `mapstructure:"max_requests" validate:"gte=0"`
	MinChildren     int `mapstructure:"min_children" validate:"gte=0"`
	MaxChildren     int `mapstructure:"max_children" validate:"gtefield=MinChildren"`
	MaxBacklogQueue int `mapstructure:"max_backlog_queue" validate:"gte=0"`
}

// AppConfig is one service's configuration block, `/apps/<svc>`.
type AppConfig struct {
	UnixConfig UnixConfig `mapstructure:"unix_config"`
	Keepalive  int        `mapstructure:"keepalive" validate:"gte=0"`
	Stateless  bool       `mapstructure:"stateless"`
}

// RouterConfig is one entry of `/routers/router`, which on the wire is
// either a bare string (the router name, domain implied by /domain) or an
// object with name/domain/services.
type RouterConfig struct {
	Name     string   `mapstructure:"name"`
	Domain   string   `mapstructure:"domain"`
	Services []string `mapstructure:"services"`
}

// Config is the fully decoded, validated configuration tree.
type Config struct {
	Domains    []string             `mapstructure:"domain" validate:"required,min=1"`
	RouterName string               `mapstructure:"router_name" validate:"required"`
	Routers    []RouterConfig       `mapstructure:"routers"`
	Client     bool                 `mapstructure:"client"`
	LogLevel   int                  `mapstructure:"loglevel"`
	Apps       map[string]AppConfig `mapstructure:"apps"`
}

// Domain returns the first configured domain, the one recognized-key tie
// break for a multi-valued key: the first entry wins.
func (c *Config) Domain() string {
	if len(c.Domains) == 0 {
		return ""
	}
	return c.Domains[0]
}

// Load reads configuration from environment variables prefixed OSRF_,
// configPath (if non-empty), and defaults, in that descending precedence,
// then validates the result. Keys are split on "::" rather than viper's
// default "." so that dotted service names under apps stay single keys.
func Load(configPath string) (*Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetEnvPrefix("OSRF")
	v.SetEnvKeyReplacer(strings.NewReplacer("::", "_", ".", "_", "/", "_"))
	v.AutomaticEnv()

	v.SetDefault("loglevel", 1)
	v.SetDefault("client", false)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", configPath, err)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		routerEntryDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("config: failed to decode: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate runs struct-tag validation over a decoded Config.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// routerEntryDecodeHook lets `/routers/router` entries be either a bare
// string (just the router name) or a full object.
func routerEntryDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(RouterConfig{}) {
			return data, nil
		}
		if s, ok := data.(string); ok {
			return RouterConfig{Name: s}, nil
		}
		return data, nil
	}
}

// viperProvider adapts *viper.Viper to Provider for components (registry's
// deny-list, session defaults) that want raw XPath-style reads instead of
// the typed Config struct.
type viperProvider struct {
	v *viper.Viper
}

// NewProvider wraps a *viper.Viper as a Provider. Callers that only need
// the typed Config should prefer Load.
func NewProvider(v *viper.Viper) Provider {
	return &viperProvider{v: v}
}

func (p *viperProvider) String(path string) string      { return p.v.GetString(viperKey(path)) }
func (p *viperProvider) StringList(path string) []string { return p.v.GetStringSlice(viperKey(path)) }
func (p *viperProvider) Int(path string) int             { return p.v.GetInt(viperKey(path)) }
func (p *viperProvider) Bool(path string) bool           { return p.v.GetBool(viperKey(path)) }
func (p *viperProvider) Sub(path string) Provider {
	sub := p.v.Sub(viperKey(path))
	if sub == nil {
		sub = viper.New()
	}
	return &viperProvider{v: sub}
}

// viperKey converts the bus's XPath-style `/a/b/c` into viper's dotted
// `a.b.c` key form.
func viperKey(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
}

// Hostname reads the HOSTNAME environment variable used to compose a
// component's `from` bus address, to compose each component's own bus address.
func Hostname() string {
	return os.Getenv("HOSTNAME")
}
