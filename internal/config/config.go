// Package config exposes the small, enumerated set of environment variables
// the core recognizes, via a Provider capability registered in the
// dependency container. The CLI surface and installation wizard that decide
// how these values actually get set remain out of scope; this package only
// reads what the process was handed.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Provider is the capability the runtime registers in the container; other
// components depend on the interface, not on viper directly.
type Provider interface {
	DataDir() string
	LogLevel() string
	LogFormat() string
	DefaultAIProvider() string
	NodeIDOverride() string
}

type envProvider struct {
	v *viper.Viper
}

// Load reads the enumerated CIS_* environment variables. Unrecognized
// variables are ignored, per the external-interfaces contract.
func Load() Provider {
	v := viper.New()
	v.SetEnvPrefix("cis")
	v.AutomaticEnv()
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("default_ai_provider", "")
	v.SetDefault("node_id_override", "")
	return &envProvider{v: v}
}

func (p *envProvider) DataDir() string           { return p.v.GetString("data_dir") }
func (p *envProvider) LogLevel() string           { return p.v.GetString("log_level") }
func (p *envProvider) LogFormat() string          { return p.v.GetString("log_format") }
func (p *envProvider) DefaultAIProvider() string  { return p.v.GetString("default_ai_provider") }
func (p *envProvider) NodeIDOverride() string     { return p.v.GetString("node_id_override") }

func defaultDataDir() string {
	if home := viper.GetString("HOME"); home != "" {
		return strings.TrimSuffix(home, "/") + "/.cis"
	}
	return "./.cis"
}
