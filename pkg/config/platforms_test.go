package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPlatformCatalogEmbeddedDefaults(t *testing.T) {
	catalog, err := LoadPlatformCatalog("")
	require.NoError(t, err)

	assert.ElementsMatch(t,
		[]string{"spareroom", "roomies", "leasebreak", "renthop", "furnishedfinder"},
		catalog.Names(),
	)

	settings, err := catalog.Settings("spareroom")
	require.NoError(t, err)
	assert.Positive(t, settings.MinIntervalMs)
	assert.Equal(t, []string{"username", "password"}, settings.CredentialKeys)

	_, err = catalog.Settings("zillow")
	assert.Error(t, err)
}

func TestLoadPlatformCatalogFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platforms.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
platforms:
  spareroom:
    minIntervalMs: 2000
    jitterMs: 100
    maxCaptchaRetries: 2
    credentialKeys: [username, password]
`), 0644))

	catalog, err := LoadPlatformCatalog(path)
	require.NoError(t, err)

	settings, err := catalog.Settings("spareroom")
	require.NoError(t, err)
	assert.Equal(t, 2000, settings.MinIntervalMs)
	assert.Equal(t, 2, settings.MaxCaptchaRetries)
}

func TestLoadPlatformCatalogValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "empty catalog", yaml: "platforms: {}"},
		{
			name: "zero pacing interval",
			yaml: `
platforms:
  spareroom:
    minIntervalMs: 0
    jitterMs: 100
    credentialKeys: [username]
`,
		},
		{
			name: "no credential keys",
			yaml: `
platforms:
  spareroom:
    minIntervalMs: 1000
    jitterMs: 100
    credentialKeys: []
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "platforms.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0644))
			_, err := LoadPlatformCatalog(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadPlatformCatalogMissingFile(t *testing.T) {
	_, err := LoadPlatformCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
