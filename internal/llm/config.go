// Package llm provides the text-generation gateway used by pipeline steps and its model configuration.
// Steps reference models either by tier alias (lite, standard, advanced) or by concrete model name.
package llm

import "strings"

// ModelTier represents the complexity/capability level of a model
type ModelTier string

const (
	// TierLite is for simple tasks: validation, classification
	TierLite ModelTier = "lite"
	// TierStandard is for moderate work: fact checking, translation
	TierStandard ModelTier = "standard"
	// TierAdvanced is for complex rewriting: patient-facing simplification
	TierAdvanced ModelTier = "advanced"
)

// Provider represents an LLM provider
type Provider string

// Provider constants define supported LLM providers
const (
	// ProviderGemini is the Google Gemini provider
	ProviderGemini Provider = "gemini"
)

// Config holds the model configuration for the application
type Config struct {
	Provider Provider
	Models   map[ModelTier]string
	// DefaultTier is used for steps without a model reference
	DefaultTier ModelTier
}

// DefaultConfig returns the default configuration (currently Gemini)
func DefaultConfig() *Config {
	return DefaultGeminiConfig()
}

// DefaultGeminiConfig returns the default Gemini configuration
func DefaultGeminiConfig() *Config {
	return &Config{
		Provider: ProviderGemini,
		Models: map[ModelTier]string{
			TierLite:     "gemini-2.5-flash-lite",
			TierStandard: "gemini-2.5-flash",
			TierAdvanced: "gemini-2.5-pro",
		},
		DefaultTier: TierStandard,
	}
}

// GetModel returns the model name for a given tier
func (c *Config) GetModel(tier ModelTier) string {
	if model, ok := c.Models[tier]; ok {
		return model
	}
	// Fallback chain: try standard, then lite
	if model, ok := c.Models[TierStandard]; ok {
		return model
	}
	if model, ok := c.Models[TierLite]; ok {
		return model
	}
	return "" // No model configured
}

// IsTier reports whether ref names one of the known tiers.
func IsTier(ref string) bool {
	switch ModelTier(strings.ToLower(ref)) {
	case TierLite, TierStandard, TierAdvanced:
		return true
	}
	return false
}

// ResolveModel maps a step's model reference to a concrete model name.
// An empty reference uses DefaultTier; tier names go through GetModel; anything else is taken verbatim.
func (c *Config) ResolveModel(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		tier := c.DefaultTier
		if tier == "" {
			tier = TierStandard
		}
		ref = string(tier)
	}

	if IsTier(ref) {
		model := c.GetModel(ModelTier(strings.ToLower(ref)))
		if model == "" {
			return "", &ModelError{Ref: ref, Err: ErrModelNotConfigured}
		}
		return model, nil
	}
	return ref, nil
}

// WithModel returns a new Config with a specific model for a tier
func (c *Config) WithModel(tier ModelTier, model string) *Config {
	newConfig := &Config{
		Provider:    c.Provider,
		Models:      make(map[ModelTier]string),
		DefaultTier: c.DefaultTier,
	}
	for k, v := range c.Models {
		newConfig.Models[k] = v
	}
	newConfig.Models[tier] = model
	return newConfig
}
