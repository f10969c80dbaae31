package copilot

// Config contains Microsoft Copilot provider configuration.
type Config struct {
	Enabled  bool    `env:"COPILOT_ENABLED"  envDefault:"false"`
	Token    string  `env:"COPILOT_TOKEN"`
	BaseURL  string  `env:"COPILOT_BASE_URL"`
	Timeout  int     `env:"COPILOT_TIMEOUT"  envDefault:"60"`
	Priority int     `env:"COPILOT_PRIORITY" envDefault:"5"`
	Weight   float64 `env:"COPILOT_WEIGHT"   envDefault:"1"`
}
