package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed platforms.yaml
var defaultCatalog []byte

// PlatformSettings declares the anti-bot pacing defaults and required
// credential keys for one listing platform.
type PlatformSettings struct {
	MinIntervalMs     int      `yaml:"minIntervalMs"`
	JitterMs          int      `yaml:"jitterMs"`
	MaxCaptchaRetries int      `yaml:"maxCaptchaRetries"`
	CredentialKeys    []string `yaml:"credentialKeys"`
}

// PlatformCatalog maps platform name to its settings. The supported set is
// fixed; lookups for unknown platforms fail fast.
type PlatformCatalog struct {
	Platforms map[string]PlatformSettings `yaml:"platforms"`
}

// LoadPlatformCatalog reads the catalog from path, or the embedded defaults
// when path is empty.
func LoadPlatformCatalog(path string) (*PlatformCatalog, error) {
	data := defaultCatalog
	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read platform catalog %s: %w", path, err)
		}
		data = fileData
	}

	var catalog PlatformCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse platform catalog: %w", err)
	}
	if len(catalog.Platforms) == 0 {
		return nil, fmt.Errorf("platform catalog is empty")
	}

	for name, settings := range catalog.Platforms {
		if settings.MinIntervalMs <= 0 || settings.JitterMs < 0 {
			return nil, fmt.Errorf("platform %s has invalid pacing settings", name)
		}
		if len(settings.CredentialKeys) == 0 {
			return nil, fmt.Errorf("platform %s declares no credential keys", name)
		}
	}

	return &catalog, nil
}

// Settings returns the settings for the named platform.
func (c *PlatformCatalog) Settings(platform string) (PlatformSettings, error) {
	settings, ok := c.Platforms[platform]
	if !ok {
		return PlatformSettings{}, fmt.Errorf("unknown platform %q", platform)
	}
	return settings, nil
}

// Names returns the configured platform names.
func (c *PlatformCatalog) Names() []string {
	names := make([]string, 0, len(c.Platforms))
	for name := range c.Platforms {
		names = append(names, name)
	}
	return names
}
