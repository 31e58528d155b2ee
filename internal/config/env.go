package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL  string
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string
	SslCertPath  string

	AIAPIKey   string
	EmbedModel string
	EmbedDim   int
	GenModel   string

	LlamaAPIKey   string
	LlamaBaseURL  string
	MistralAPIKey string
	MistralBaseURL string
	OCRModel      string

	PollIntervalSec    int
	MaxPollAttempts    int
	AnnotationMaxPages int
	MaxParseWorkers    int

	EmbedBatchSize int
	MaxChunkChars  int

	Port string
}

// LoadConfig loads the environment variables and return config
func LoadConfig() *Config {

	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", "docmill-docs"),
		SslCertPath:  getEnv("SSL_CERT_PATH", ""),

		AIAPIKey:   getEnv("GEMINI_API_KEY", ""),
		EmbedModel: getEnv("EMBED_MODEL", "text-embedding-004"),
		EmbedDim:   getEnvInt("EMBED_DIM", 768),
		GenModel:   getEnv("GEN_MODEL", "gemini-1.5-flash"),

		LlamaAPIKey:    getEnv("LLAMAPARSE_API_KEY", ""),
		LlamaBaseURL:   getEnv("LLAMAPARSE_BASE_URL", "https://api.cloud.llamaindex.ai/api/v1/parsing"),
		MistralAPIKey:  getEnv("MISTRAL_API_KEY", ""),
		MistralBaseURL: getEnv("MISTRAL_BASE_URL", "https://api.mistral.ai"),
		OCRModel:       getEnv("OCR_MODEL", "mistral-ocr-latest"),

		PollIntervalSec:    getEnvInt("PARSE_POLL_INTERVAL_SEC", 2),
		MaxPollAttempts:    getEnvInt("PARSE_MAX_POLL_ATTEMPTS", 300),
		AnnotationMaxPages: getEnvInt("ANNOTATION_MAX_PAGES", 8),
		MaxParseWorkers:    getEnvInt("MAX_PARSE_WORKERS", 8),

		EmbedBatchSize: getEnvInt("EMBED_BATCH_SIZE", 20),
		MaxChunkChars:  getEnvInt("MAX_CHUNK_CHARS", 8000),

		Port: getEnv("PORT", "8080"),
	}

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	return cfg
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}
