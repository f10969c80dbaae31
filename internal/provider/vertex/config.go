package vertex

// Config contains Google Vertex provider configuration.
type Config struct {
	Enabled  bool    `env:"VERTEX_ENABLED"  envDefault:"false"`
	APIKey   string  `env:"VERTEX_API_KEY"`
	BaseURL  string  `env:"VERTEX_BASE_URL"`
	Timeout  int     `env:"VERTEX_TIMEOUT"  envDefault:"60"`
	Priority int     `env:"VERTEX_PRIORITY" envDefault:"3"`
	Weight   float64 `env:"VERTEX_WEIGHT"   envDefault:"1"`
}
