package config

import (
	"fmt"
	"os"
	"strconv"
)

// Env is the process environment envelope. It carries deployment wiring,
// not behavioral thresholds; those live in Config.
type Env struct {
	Environment    string // development, staging, production
	DatabaseURL    string
	RedisAddr      string
	StoragePath    string
	StorageBucket  string
	AdminKey       string
	AdminKeyHash   string // optional bcrypt hash; takes precedence over AdminKey
	AdminEnabled   bool
	PilotEnabled   bool
	PilotTenant    string
	PilotRateLimit int // requests per hour
	BuildID        string
	ListenAddr     string
	ThresholdsPath string
}

const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// LoadEnv reads the envelope from the process environment and applies
// defaults. Production deployments with the admin plane enabled must carry
// a secret of at least 32 characters.
func LoadEnv() (*Env, error) {
	e := &Env{
		Environment:    getenv("APP_ENV", EnvDevelopment),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		StoragePath:    getenv("STORAGE_PATH", "/var/lib/faturaops"),
		StorageBucket:  os.Getenv("STORAGE_BUCKET"),
		AdminKey:       os.Getenv("ADMIN_KEY"),
		AdminKeyHash:   os.Getenv("ADMIN_KEY_HASH"),
		AdminEnabled:   getenvBool("ADMIN_ENABLED", true),
		PilotEnabled:   getenvBool("PILOT_ENABLED", false),
		PilotTenant:    os.Getenv("PILOT_TENANT"),
		PilotRateLimit: getenvInt("PILOT_RATE_LIMIT", 50),
		BuildID:        getenv("BUILD_ID", shortCommit()),
		ListenAddr:     getenv("LISTEN_ADDR", ":8080"),
		ThresholdsPath: getenv("THRESHOLDS_PATH", "config/thresholds.yaml"),
	}

	switch e.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return nil, fmt.Errorf("APP_ENV must be one of development, staging, production; got %q", e.Environment)
	}

	if e.Environment == EnvProduction && e.AdminEnabled {
		if e.AdminKeyHash == "" && len(e.AdminKey) < 32 {
			return nil, fmt.Errorf("production requires ADMIN_KEY of at least 32 characters (or ADMIN_KEY_HASH)")
		}
	}
	return e, nil
}

func shortCommit() string {
	if c := os.Getenv("GIT_COMMIT"); len(c) >= 8 {
		return c[:8]
	}
	return "dev"
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
