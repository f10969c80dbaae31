package openai

// Config holds configuration for the OpenAI embedding generator.
type Config struct {
	APIKey  string `env:"OPENAI_API_KEY"`
	BaseURL string `env:"CACHE_EMBEDDING_BASE_URL"`
	Model   string `env:"CACHE_EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
}
