// Package config defines the beam configuration document. The same YAML file
// carries the user-provided settings and, after a scan, the discovered bastion
// list used as a cache on subsequent runs.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/entitleio/beam/internal/model"
)

// DefaultBastionGlob selects bastions when no Name tag filter is configured.
const DefaultBastionGlob = "*bastion*"

var ErrNotFound = errors.New("config file not found")

// AWSConfig holds the SSO coordinates and the account/region scan scope.
type AWSConfig struct {
	SSOStartURL string   `yaml:"sso_url"`
	SSORegion   string   `yaml:"sso_region"`
	Role        string   `yaml:"role"`
	Accounts    []string `yaml:"accounts"`
	Regions     []string `yaml:"regions"`
}

// BastionConfig is the tag filter selecting bastion instances. The Name tag is
// a shell glob, any other tags must match exactly.
type BastionConfig struct {
	Tags map[string]string `yaml:"tags"`
}

// NameGlob returns the Name pattern, falling back to DefaultBastionGlob.
func (c BastionConfig) NameGlob() string {
	if n, ok := c.Tags["Name"]; ok && n != "" {
		return n
	}
	return DefaultBastionGlob
}

// ExtraTags returns the filter tags without the Name glob.
func (c BastionConfig) ExtraTags() map[string]string {
	out := make(map[string]string, len(c.Tags))
	for k, v := range c.Tags {
		if k == "Name" {
			continue
		}
		out[k] = v
	}
	return out
}

// KubernetesConfig carries kubectl-facing settings.
type KubernetesConfig struct {
	Namespace string `yaml:"namespace"`
}

// ResourceConfig is the per-service (EKS/RDS) toggle and tag filter.
type ResourceConfig struct {
	Enabled *bool             `yaml:"enabled"`
	Tags    map[string]string `yaml:"tags"`
}

// IsEnabled defaults to true when the key is absent.
func (c ResourceConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Config is the full resolved configuration document, including the cached
// bastion list written back after a scan.
type Config struct {
	AWS        AWSConfig        `yaml:"aws"`
	Bastion    BastionConfig    `yaml:"bastion"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	EKS        ResourceConfig   `yaml:"eks"`
	RDS        ResourceConfig   `yaml:"rds"`
	Bastions   []model.Bastion  `yaml:"bastions,omitempty"`
}

// Load reads and validates the config document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that must hold before any network activity.
func (c *Config) Validate() error {
	u, err := url.Parse(c.AWS.SSOStartURL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("invalid sso_url %q", c.AWS.SSOStartURL)
	}
	if c.AWS.SSORegion == "" {
		return errors.New("missing required key aws.sso_region")
	}
	if c.AWS.Role == "" {
		return errors.New("missing required key aws.role")
	}
	if len(c.AWS.Accounts) == 0 {
		return errors.New("at least one account must be configured")
	}
	if len(c.AWS.Regions) == 0 {
		return errors.New("at least one region must be configured")
	}
	return nil
}

// Save writes the whole document atomically (temp file + rename), creating
// parent directories as needed.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".beam-config-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// DefaultPath is ~/.beam/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".beam", "config.yaml")
}
