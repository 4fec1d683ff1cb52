// Package config loads the collaborator-facing Config struct spec.md
// §6 names (address, port, threads, keep-alive TTL, proxy rules,
// static root/index, cache toggle/TTL) via viper. It is a thin,
// swappable collaborator, not a core feature: the engine only ever
// consumes the resulting Config struct.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/Az107/HTeaPot/internal/collab"
)

// ProxyRule is the on-disk form of a prefix -> upstream mapping,
// converted to collab.ProxyRule once loaded.
type ProxyRule struct {
	Prefix   string `mapstructure:"prefix"`
	Upstream string `mapstructure:"upstream"`
}

// Config is the full set of values an embedder may supply to
// configure the engine, per spec.md §6's Config collaborator.
type Config struct {
	Address             string      `mapstructure:"address"`
	Port                int         `mapstructure:"port"`
	Threads             int         `mapstructure:"threads"`
	KeepAliveTTLSeconds int         `mapstructure:"keep_alive_ttl_seconds"`
	ProxyRules          []ProxyRule `mapstructure:"proxy_rules"`
	StaticRoot          string      `mapstructure:"static_root"`
	StaticIndex         string      `mapstructure:"static_index"`
	CacheEnabled        bool        `mapstructure:"cache_enabled"`
	CacheTTLSeconds     int         `mapstructure:"cache_ttl_seconds"`
}

// defaults mirror spec.md §6's Limits where a Config field overlaps
// one (keep-alive TTL); others are reasonable starting points for a
// bare `hteapotd` invocation with no file or flags at all.
func defaults() Config {
	return Config{
		Address:             "0.0.0.0",
		Port:                8080,
		Threads:             1,
		KeepAliveTTLSeconds: 10,
		StaticIndex:         "index.html",
	}
}

// Load reads configuration from built-in defaults, the file at path
// (if non-empty), and environment variables prefixed HTEAPOT_, in
// increasing priority order -- viper's normal precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	d := defaults()
	v.SetDefault("address", d.Address)
	v.SetDefault("port", d.Port)
	v.SetDefault("threads", d.Threads)
	v.SetDefault("keep_alive_ttl_seconds", d.KeepAliveTTLSeconds)
	v.SetDefault("static_index", d.StaticIndex)

	v.SetEnvPrefix("hteapot")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// CollabProxyRules converts the loaded rules to collab.ProxyRule.
func (c *Config) CollabProxyRules() []collab.ProxyRule {
	rules := make([]collab.ProxyRule, len(c.ProxyRules))
	for i, r := range c.ProxyRules {
		rules[i] = collab.ProxyRule{Prefix: r.Prefix, Upstream: r.Upstream}
	}
	return rules
}
