package domain

// PricingConfig contains model pricing information.
type PricingConfig struct {
	InputCostPer1K  float64 // USD per 1K input tokens
	OutputCostPer1K float64 // USD per 1K output tokens
}

// ProviderProfile holds the routing attributes of one provider.
// Profiles are mutable only through explicit registry admin calls.
type ProviderProfile struct {
	ID               string
	Weight           float64
	QualityRank      int    // lower is better
	DefaultModel     string // used when a request carries no model hint
	Pricing          map[string]PricingConfig
	ConcurrencyLimit int64
	Enabled          bool
}

// Normalized returns the profile with defaults applied.
func (p ProviderProfile) Normalized() ProviderProfile {
	if p.Weight <= 0 {
		p.Weight = 1
	}
	if p.ConcurrencyLimit <= 0 {
		p.ConcurrencyLimit = defaultConcurrencyLimit
	}
	return p
}

const defaultConcurrencyLimit = 32
