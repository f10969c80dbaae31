package openai

// Config contains OpenAI provider configuration.
type Config struct {
	Enabled  bool    `env:"OPENAI_ENABLED"  envDefault:"true"`
	APIKey   string  `env:"OPENAI_API_KEY"`
	BaseURL  string  `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	Timeout  int     `env:"OPENAI_TIMEOUT"  envDefault:"60"`
	Priority int     `env:"OPENAI_PRIORITY" envDefault:"1"`
	Weight   float64 `env:"OPENAI_WEIGHT"   envDefault:"1"`
}
