package types

// ProviderTier groups providers by cost profile.
type ProviderTier string

const (
	TierFreeLocal  ProviderTier = "free_local"
	TierFreeRemote ProviderTier = "free_remote"
	TierPaid       ProviderTier = "paid"
	TierStub       ProviderTier = "stub"
)

// ProviderDescriptor is one entry in the model catalog file. Loaded
// once at boot and replaced wholesale on config reload.
type ProviderDescriptor struct {
	ID             string       `yaml:"id" json:"id"`
	Tier           ProviderTier `yaml:"tier" json:"tier"`
	RequiresKey    bool         `yaml:"requires_key" json:"requires_key"`
	CostMultiplier float64      `yaml:"cost_multiplier" json:"cost_multiplier"`
	Priority       int          `yaml:"priority" json:"priority"`
}

// ModelDescriptor is a declarative capability/cost record for one model
// on one provider. Immutable after load.
type ModelDescriptor struct {
	ModelID         string   `yaml:"model_id" json:"model_id"`
	ProviderID      string   `yaml:"provider_id" json:"provider_id"`
	Quality         float64  `yaml:"quality" json:"quality"`
	SpeedScore      float64  `yaml:"speed_score" json:"speed_score"`
	CostPer1KTokens float64  `yaml:"cost_per_1k_tokens" json:"cost_per_1k_tokens"`
	ContextWindow   int      `yaml:"context_window" json:"context_window"`
	Capabilities    []string `yaml:"capabilities" json:"capabilities"`
}

// Catalog is the parsed model catalog file.
type Catalog struct {
	Providers []ProviderDescriptor `yaml:"providers"`
	Models    []ModelDescriptor    `yaml:"models"`
}
