package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

// Config carries everything the server reads from the environment. Values
// are resolved once at startup; the two JSON files referenced here are owned
// by the game package (multiplier config is read-only, countdown config gets
// debounced writes).
type Config struct {
	Port    string
	AppEnv  string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSchema   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CORSOrigins     string
	RateLimitMax    int
	RateLimitWindow time.Duration

	MultiplierConfigPath string
	CountdownConfigPath  string

	RaceDuration   time.Duration
	AutoStartDelay time.Duration
}

func Load() *Config {
	return &Config{
		Port:   getEnv("PORT", "8080"),
		AppEnv: getEnv("APP_ENV", "development"),

		DBHost:     getEnv("CRASHCORE_DB_HOST", "localhost"),
		DBPort:     getEnv("CRASHCORE_DB_PORT", "5432"),
		DBUser:     getEnv("CRASHCORE_DB_USERNAME", "postgres"),
		DBPassword: getEnv("CRASHCORE_DB_PASSWORD", "postgres"),
		DBName:     getEnv("CRASHCORE_DB_DATABASE", "crashdb"),
		DBSchema:   getEnv("CRASHCORE_DB_SCHEMA", "public"),

		RedisAddr:     getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		CORSOrigins:     getEnv("CORS_ORIGINS", "*"),
		RateLimitMax:    getEnvAsInt("RATE_LIMIT_MAX", 100),
		RateLimitWindow: time.Duration(getEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,

		MultiplierConfigPath: getEnv("MULTIPLIER_CONFIG_PATH", "./multiplierConfig.json"),
		CountdownConfigPath:  getEnv("COUNTDOWN_CONFIG_PATH", "./gameCountdownConfig.json"),

		RaceDuration:   time.Duration(getEnvAsInt("RACE_DURATION_MINUTES", 240)) * time.Minute,
		AutoStartDelay: time.Duration(getEnvAsInt("RACE_AUTOSTART_DELAY_SECONDS", 5)) * time.Second,
	}
}

// DatabaseURL builds the postgres connection string used by both the pgx
// pool and the migration tool.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSchema)
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
