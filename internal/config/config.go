// Package config loads the YAML configuration files described in the
// external interfaces and merges environment variable overrides on top,
// the way most services in this stack handle configuration.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode controls whether dev-only affordances, like per-request query param
// overrides, are enabled.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// Provider describes one configured LLM, embedding, or retrieval backend
// entry as found under the providers: key of a config file.
type Provider struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	APIKey   string            `yaml:"api_key"`
	Endpoint string            `yaml:"endpoint"`
	Model    string            `yaml:"model"`
	Extra    map[string]string `yaml:"extra"`
}

// Registry is the fully resolved configuration for one process, assembled
// from the five YAML files plus environment overrides.
type Registry struct {
	Mode Mode `yaml:"mode"`

	LLMProviders       []Provider `yaml:"llm_providers"`
	EmbeddingProviders []Provider `yaml:"embedding_providers"`
	RetrievalBackends  []Provider `yaml:"retrieval_backends"`

	Sites map[string]SiteConfig `yaml:"sites"`

	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
}

// SiteConfig describes one entry of the sites: section of config_nlweb.yaml.
type SiteConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// ServerConfig covers the listener and timeout knobs from config_webserver.yaml.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	LowTierTimeout string `yaml:"low_tier_timeout"`
	HighTierTimeout string `yaml:"high_tier_timeout"`
}

// StorageConfig points at the conversation-history backend.
type StorageConfig struct {
	DSN string `yaml:"dsn"`
}

// Load reads the named YAML files in order (later files override earlier
// ones field-by-field is not attempted; instead each file is expected to
// populate a disjoint section) and applies "NLWEB_"-prefixed environment
// variables as the final override layer. envFile, if non-empty, is loaded
// into the process environment with godotenv before variables are read.
func Load(envFile string, yamlFiles ...string) (*Registry, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}

	reg := &Registry{Mode: ModeProduction}
	for _, path := range yamlFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, reg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnvOverrides(reg)
	return reg, nil
}

func applyEnvOverrides(reg *Registry) {
	if mode, ok := os.LookupEnv("NLWEB_MODE"); ok {
		reg.Mode = Mode(mode)
	}
	if addr, ok := os.LookupEnv("NLWEB_SERVER_ADDR"); ok {
		reg.Server.Addr = addr
	}
	if dsn, ok := os.LookupEnv("NLWEB_STORAGE_DSN"); ok {
		reg.Storage.DSN = dsn
	}
}

// IsDevelopment reports whether dev-only affordances are enabled.
func (r *Registry) IsDevelopment() bool {
	return r.Mode == ModeDevelopment
}
