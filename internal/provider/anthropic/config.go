package anthropic

// Config contains Anthropic provider configuration.
type Config struct {
	Enabled  bool    `env:"ANTHROPIC_ENABLED"  envDefault:"false"`
	APIKey   string  `env:"ANTHROPIC_API_KEY"`
	BaseURL  string  `env:"ANTHROPIC_BASE_URL"`
	Timeout  int     `env:"ANTHROPIC_TIMEOUT"  envDefault:"60"`
	Priority int     `env:"ANTHROPIC_PRIORITY" envDefault:"2"`
	Weight   float64 `env:"ANTHROPIC_WEIGHT"   envDefault:"1"`
}
