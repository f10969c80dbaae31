package grok

// Config contains xAI Grok provider configuration.
type Config struct {
	Enabled  bool    `env:"GROK_ENABLED"  envDefault:"false"`
	APIKey   string  `env:"GROK_API_KEY"`
	BaseURL  string  `env:"GROK_BASE_URL"`
	Timeout  int     `env:"GROK_TIMEOUT"  envDefault:"60"`
	Priority int     `env:"GROK_PRIORITY" envDefault:"4"`
	Weight   float64 `env:"GROK_WEIGHT"   envDefault:"1"`
}
