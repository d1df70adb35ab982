package config

// LLMConfig configures the default provider used by the LLM client.
type LLMConfig struct {
	Provider string `yaml:"provider"` // genai, zai
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// ModelTierConfig binds a cost tier to a concrete model id and sampling
// parameters.
type ModelTierConfig struct {
	Model       string  `yaml:"model" json:"model"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	TopP        float64 `yaml:"top_p" json:"top_p"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`
	// USDPerInputToken / USDPerOutputToken drive the cost tracker's estimate
	// when the provider does not return billed cost directly.
	USDPerInputToken  float64 `yaml:"usd_per_input_token" json:"usd_per_input_token"`
	USDPerOutputToken float64 `yaml:"usd_per_output_token" json:"usd_per_output_token"`
}

// RouterConfig is the router's selection matrix: one ModelTierConfig per
// cost tier (root, recursive, extraction), plus the cheapest fallback model
// used once a tier's remaining budget reaches zero.
type RouterConfig struct {
	Root          ModelTierConfig `yaml:"root" json:"root"`
	Recursive     ModelTierConfig `yaml:"recursive" json:"recursive"`
	Extraction    ModelTierConfig `yaml:"extraction" json:"extraction"`
	BudgetModel   string          `yaml:"budget_model" json:"budget_model"`
	BatchParallel int             `yaml:"batch_parallel" json:"batch_parallel"`
}

// DefaultRouterConfig uses a premium model for every root-tier call and
// budget models at depth >= 1 and on the extraction path. The router does
// not distinguish query kinds.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Root: ModelTierConfig{
			Model:             "gemini-2.5-pro",
			Temperature:       0.4,
			TopP:              0.9,
			MaxTokens:         8000,
			USDPerInputToken:  0.00000125,
			USDPerOutputToken: 0.00001,
		},
		Recursive: ModelTierConfig{
			Model:             "gemini-2.5-flash",
			Temperature:       0.5,
			TopP:              0.9,
			MaxTokens:         4000,
			USDPerInputToken:  0.0000003,
			USDPerOutputToken: 0.0000025,
		},
		Extraction: ModelTierConfig{
			Model:             "gemini-2.5-flash-lite",
			Temperature:       0.2,
			TopP:              0.9,
			MaxTokens:         2000,
			USDPerInputToken:  0.0000001,
			USDPerOutputToken: 0.0000004,
		},
		BudgetModel:   "gemini-2.5-flash-lite",
		BatchParallel: 4,
	}
}
