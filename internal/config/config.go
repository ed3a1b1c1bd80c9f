package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr       string
	GRPCAddr       string
	DatabaseURL    string
	MigrateOnStart bool
	DirectoryFile  string

	JWTPublicKey     string
	JWTIssuer        string
	ServiceAuthToken string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CredentialTTL           time.Duration
	SessionMaxDuration      time.Duration
	SessionCloseJobInterval time.Duration
	SessionCloseJobTimeout  time.Duration
	LateAfter               time.Duration
	MaxGrade                int
	QRSize                  int
	ReadinessInterval       time.Duration

	LogLevel string
	Env      string
}

// Load reads the configuration from the environment. A .env file (ENV_FILE,
// or ./.env when present) is loaded first; real environment variables win.
func Load() Config {
	loadDotEnv()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("HTTP_ADDR", ":8085")
	v.SetDefault("GRPC_ADDR", ":9095")
	v.SetDefault("MIGRATE_ON_START", true)
	v.SetDefault("JWT_ISSUER", "semaphore-auth-identity")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("MAX_GRADE", 10)
	v.SetDefault("QR_SIZE", 256)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ENV", "prod")

	return Config{
		HTTPAddr:                v.GetString("HTTP_ADDR"),
		GRPCAddr:                v.GetString("GRPC_ADDR"),
		DatabaseURL:             v.GetString("DATABASE_URL"),
		MigrateOnStart:          v.GetBool("MIGRATE_ON_START"),
		DirectoryFile:           v.GetString("DIRECTORY_FILE"),
		JWTPublicKey:            getenvKey(v, "JWT_PUBLIC_KEY"),
		JWTIssuer:               v.GetString("JWT_ISSUER"),
		ServiceAuthToken:        v.GetString("SERVICE_AUTH_TOKEN"),
		RedisAddr:               v.GetString("REDIS_ADDR"),
		RedisPassword:           v.GetString("REDIS_PASSWORD"),
		RedisDB:                 v.GetInt("REDIS_DB"),
		CredentialTTL:           getenvDuration(v, "CREDENTIAL_TTL", 0),
		SessionMaxDuration:      getenvDuration(v, "SESSION_MAX_DURATION", 4*time.Hour),
		SessionCloseJobInterval: getenvDuration(v, "SESSION_CLOSE_JOB_INTERVAL", time.Minute),
		SessionCloseJobTimeout:  getenvDuration(v, "SESSION_CLOSE_JOB_TIMEOUT", 10*time.Second),
		LateAfter:               getenvDuration(v, "LATE_AFTER", 0),
		MaxGrade:                v.GetInt("MAX_GRADE"),
		QRSize:                  v.GetInt("QR_SIZE"),
		ReadinessInterval:       getenvDuration(v, "READINESS_INTERVAL", 10*time.Second),
		LogLevel:                strings.ToLower(v.GetString("LOG_LEVEL")),
		Env:                     strings.ToLower(v.GetString("ENV")),
	}
}

func (c Config) Validate() error {
	var problems []string
	if c.JWTPublicKey == "" {
		problems = append(problems, "JWT_PUBLIC_KEY is required")
	}
	if c.MaxGrade < 1 {
		problems = append(problems, "MAX_GRADE must be at least 1")
	}
	if c.CredentialTTL < 0 || c.SessionMaxDuration < 0 || c.LateAfter < 0 {
		problems = append(problems, "durations must not be negative")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func loadDotEnv() {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	// godotenv.Load never overrides variables that are already set.
	if err := godotenv.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "config: loading %s: %v\n", path, err)
	}
}

// getenvDuration accepts Go durations ("90m") under key, or whole seconds
// under key_SECONDS.
func getenvDuration(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	if val := v.GetString(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	if v.IsSet(key+"_SECONDS") || os.Getenv(key+"_SECONDS") != "" {
		if seconds := v.GetInt(key + "_SECONDS"); seconds >= 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}

// getenvKey reads a PEM value from key_FILE or key. Escaped newlines are
// expanded so keys can be passed on one line.
func getenvKey(v *viper.Viper, key string) string {
	if file := v.GetString(key + "_FILE"); file != "" {
		if data, err := os.ReadFile(file); err == nil {
			return normalizePEM(string(data))
		}
	}
	return normalizePEM(v.GetString(key))
}

func normalizePEM(value string) string {
	value = strings.TrimSpace(value)
	if strings.Contains(value, "\\n") && !strings.Contains(value, "\n") {
		value = strings.ReplaceAll(value, "\\n", "\n")
	}
	return value
}
