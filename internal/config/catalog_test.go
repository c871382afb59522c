package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relago-ai/relago/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const catalogFixture = `
providers:
  - id: ollama_local
    tier: free_local
    requires_key: false
    cost_multiplier: 0.0
    priority: 1
  - id: local_stub
    tier: stub
    requires_key: false
    cost_multiplier: 0.0
    priority: 99

models:
  - model_id: zeta
    provider_id: ollama_local
    quality: 0.6
    speed_score: 0.8
    cost_per_1k_tokens: 0.0
    context_window: 8192
    capabilities: [fast_cheap]
  - model_id: alpha
    provider_id: ollama_local
    quality: 0.8
    speed_score: 0.5
    cost_per_1k_tokens: 0.0
    context_window: 32768
    capabilities: [quality]
  - model_id: stub-echo
    provider_id: local_stub
    quality: 0.1
    speed_score: 1.0
    cost_per_1k_tokens: 0.0
    context_window: 1000000
    capabilities: [fast_cheap]
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCatalog(t *testing.T) {
	cat, err := LoadCatalog(writeCatalog(t, catalogFixture))
	require.NoError(t, err)

	require.Len(t, cat.Providers, 2)
	require.Len(t, cat.Models, 3)

	assert.Equal(t, "ollama_local", cat.Providers[0].ID)
	assert.Equal(t, types.TierFreeLocal, cat.Providers[0].Tier)
	assert.Equal(t, 1, cat.Providers[0].Priority)

	// Models come back sorted by model_id regardless of file order.
	assert.Equal(t, "alpha", cat.Models[0].ModelID)
	assert.Equal(t, "stub-echo", cat.Models[1].ModelID)
	assert.Equal(t, "zeta", cat.Models[2].ModelID)
}

func TestLoadCatalogExpandsEnv(t *testing.T) {
	t.Setenv("TEST_CATALOG_MODEL", "env-model")
	fixture := `
providers:
  - id: ollama_local
    tier: free_local
    priority: 1
models:
  - model_id: ${TEST_CATALOG_MODEL}
    provider_id: ollama_local
    quality: 0.5
    speed_score: 0.5
    context_window: 4096
`
	cat, err := LoadCatalog(writeCatalog(t, fixture))
	require.NoError(t, err)
	assert.Equal(t, "env-model", cat.Models[0].ModelID)
}

func TestLoadCatalogMissingFile(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read catalog file")
}

func TestLoadCatalogMalformedYAML(t *testing.T) {
	_, err := LoadCatalog(writeCatalog(t, "providers: [/"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse catalog")
}

func TestValidateCatalog(t *testing.T) {
	valid := func() *types.Catalog {
		return &types.Catalog{
			Providers: []types.ProviderDescriptor{{ID: "p1", Tier: types.TierFreeLocal}},
			Models: []types.ModelDescriptor{{
				ModelID: "m1", ProviderID: "p1", Quality: 0.5, SpeedScore: 0.5, ContextWindow: 4096,
			}},
		}
	}

	require.NoError(t, ValidateCatalog(valid()))

	tests := []struct {
		name   string
		mutate func(*types.Catalog)
		errMsg string
	}{
		{"no providers", func(c *types.Catalog) { c.Providers = nil }, "no providers"},
		{"empty provider id", func(c *types.Catalog) { c.Providers[0].ID = "" }, "empty id"},
		{"duplicate provider", func(c *types.Catalog) {
			c.Providers = append(c.Providers, c.Providers[0])
		}, "duplicate provider"},
		{"empty model id", func(c *types.Catalog) { c.Models[0].ModelID = "" }, "empty id"},
		{"unknown provider ref", func(c *types.Catalog) { c.Models[0].ProviderID = "ghost" }, "unknown provider"},
		{"quality out of range", func(c *types.Catalog) { c.Models[0].Quality = 1.5 }, "quality"},
		{"speed out of range", func(c *types.Catalog) { c.Models[0].SpeedScore = -0.1 }, "speed_score"},
		{"negative cost", func(c *types.Catalog) { c.Models[0].CostPer1KTokens = -1 }, "negative cost"},
		{"zero context window", func(c *types.Catalog) { c.Models[0].ContextWindow = 0 }, "context window"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := valid()
			tt.mutate(cat)
			err := ValidateCatalog(cat)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestCatalogManagerKeepsCurrentOnBadReload(t *testing.T) {
	path := writeCatalog(t, catalogFixture)
	m, err := NewCatalogManager(path, testLogger())
	require.NoError(t, err)
	defer m.Close()

	before := m.Get()
	require.Len(t, before.Models, 3)

	// A broken rewrite must not replace the served catalog.
	require.NoError(t, os.WriteFile(path, []byte("models: [/"), 0o644))
	m.reload()

	assert.Same(t, before, m.Get())
}

func TestCatalogManagerReloadNotifies(t *testing.T) {
	path := writeCatalog(t, catalogFixture)
	m, err := NewCatalogManager(path, testLogger())
	require.NoError(t, err)
	defer m.Close()

	var notified *types.Catalog
	m.OnChange(func(c *types.Catalog) { notified = c })

	smaller := `
providers:
  - id: ollama_local
    tier: free_local
    priority: 1
models:
  - model_id: only
    provider_id: ollama_local
    quality: 0.5
    speed_score: 0.5
    context_window: 4096
`
	require.NoError(t, os.WriteFile(path, []byte(smaller), 0o644))
	m.reload()

	require.NotNil(t, notified)
	assert.Len(t, m.Get().Models, 1)
	assert.Same(t, notified, m.Get())
}
