package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/relago-ai/relago/pkg/types"
)

// LoadCatalog reads and parses the model catalog YAML file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadCatalog(path string) (*types.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cat types.Catalog
	if err := yaml.Unmarshal([]byte(expanded), &cat); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	if err := ValidateCatalog(&cat); err != nil {
		return nil, fmt.Errorf("validate catalog: %w", err)
	}

	// Stable ordering keeps router tie-breaks reproducible across
	// reloads regardless of file ordering.
	sort.Slice(cat.Models, func(i, j int) bool {
		return cat.Models[i].ModelID < cat.Models[j].ModelID
	})

	return &cat, nil
}

// ValidateCatalog checks catalog integrity: models must reference a
// declared provider, scores must be in range.
func ValidateCatalog(cat *types.Catalog) error {
	if len(cat.Providers) == 0 {
		return fmt.Errorf("catalog declares no providers")
	}

	providerIDs := make(map[string]bool, len(cat.Providers))
	for _, p := range cat.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider with empty id")
		}
		if providerIDs[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		providerIDs[p.ID] = true
	}

	for _, m := range cat.Models {
		if m.ModelID == "" {
			return fmt.Errorf("model with empty id")
		}
		if !providerIDs[m.ProviderID] {
			return fmt.Errorf("model %q references unknown provider %q", m.ModelID, m.ProviderID)
		}
		if m.Quality < 0 || m.Quality > 1 {
			return fmt.Errorf("model %q quality %f out of [0,1]", m.ModelID, m.Quality)
		}
		if m.SpeedScore < 0 || m.SpeedScore > 1 {
			return fmt.Errorf("model %q speed_score %f out of [0,1]", m.ModelID, m.SpeedScore)
		}
		if m.CostPer1KTokens < 0 {
			return fmt.Errorf("model %q has negative cost", m.ModelID)
		}
		if m.ContextWindow <= 0 {
			return fmt.Errorf("model %q has non-positive context window", m.ModelID)
		}
	}

	return nil
}
