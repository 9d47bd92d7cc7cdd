package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	HTTPAddr string

	// 数据库配置
	DBDriver   string // mysql 或 sqlite
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	SQLitePath string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// 任务队列配置
	TransportDriver   string // redis 或 memory
	QueuePrefix       string
	ConsumerGroup     string
	ConsumerName      string
	QueueBlockTime    time.Duration
	QueuePendingSweep time.Duration
	QueryCacheTTL     time.Duration
	TuningPath        string
	OrchestratorLock  string

	// MinIO配置（为空则不校验分轨产物）
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioRegion    string

	// API 鉴权
	JWTSecret string

	// 日志配置
	LogLevel      string
	LogPath       string
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	hostname, _ := os.Hostname()

	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		DBDriver:   strings.ToLower(getEnv("DB_DRIVER", "mysql")),
		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // 密码不设默认值
		DBName:     getEnv("DB_NAME", "stemfm"),
		SQLitePath: getEnv("SQLITE_PATH", "stemfm.db"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		TransportDriver:   strings.ToLower(getEnv("TRANSPORT_DRIVER", "redis")),
		QueuePrefix:       getEnv("QUEUE_PREFIX", "stemfm"),
		ConsumerGroup:     getEnv("QUEUE_CONSUMER_GROUP", "orchestrator"),
		ConsumerName:      getEnv("QUEUE_CONSUMER_NAME", "orchestrator@"+hostname),
		QueueBlockTime:    getEnvDuration("QUEUE_BLOCK_TIME", 5*time.Second),
		QueuePendingSweep: getEnvDuration("QUEUE_PENDING_SWEEP", 30*time.Second),
		QueryCacheTTL:     getEnvDuration("QUERY_CACHE_TTL", 24*time.Hour),
		TuningPath:        getEnv("TUNING_PATH", "tuning.toml"),
		OrchestratorLock:  getEnv("ORCHESTRATOR_LOCK", "stemfm.lock"),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "stems"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogPath:       getEnv("LOG_PATH", "logs/stemfm.log"),
		LogMaxSize:    getEnvInt("LOG_MAX_SIZE", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAge:     getEnvInt("LOG_MAX_AGE", 30),
	}
}

// MinioEnabled 是否配置了 MinIO 产物存储
func (c *Config) MinioEnabled() bool {
	return c.MinioEndpoint != ""
}
