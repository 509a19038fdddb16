package config

import (
	"os"
	"strconv"
	"sync"
)

var (
	postgresOnce   sync.Once
	postgresConfig *PostgresConfig

	redisOnce   sync.Once
	redisConfig *RedisConfig

	textractOnce   sync.Once
	textractConfig *TextractConfig

	refinerOnce   sync.Once
	refinerConfig *RefinerConfig
)

type PostgresConfig struct {
	DSN string
}

func GetPostgresConfig() *PostgresConfig {
	postgresOnce.Do(func() {
		loadEnv()
		postgresConfig = &PostgresConfig{
			DSN: getEnv("POSTGRES_DSN",
				"host=localhost user=postgres password=postgres dbname=books port=5432 sslmode=disable"),
		}
	})
	return postgresConfig
}

type RedisConfig struct {
	Addr string
	DB   int
}

func GetRedisConfig() *RedisConfig {
	redisOnce.Do(func() {
		loadEnv()
		db, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
		redisConfig = &RedisConfig{
			Addr: getEnv("REDIS_ADDR", "localhost:6379"),
			DB:   db,
		}
	})
	return redisConfig
}

type TextractConfig struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

func GetTextractConfig() *TextractConfig {
	textractOnce.Do(func() {
		loadEnv()
		textractConfig = &TextractConfig{
			Region:    os.Getenv("AWS_REGION"),
			Endpoint:  os.Getenv("AWS_ENDPOINT"),
			AccessKey: os.Getenv("AWS_ACCESS_KEY"),
			SecretKey: os.Getenv("AWS_SECRET_KEY"),
		}
	})
	return textractConfig
}

// RefinerConfig configures the LLM text-refinement step. An empty API key
// disables refinement entirely.
type RefinerConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

func GetRefinerConfig() *RefinerConfig {
	refinerOnce.Do(func() {
		loadEnv()
		refinerConfig = &RefinerConfig{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
			Model:   getEnv("REFINER_MODEL", "gpt-4o-mini"),
		}
	})
	return refinerConfig
}
