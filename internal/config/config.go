package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type APIConfig struct {
	Addr          string
	StoreBackend  string
	DatabaseURL   string
	BetWindow     time.Duration
	PlayWindow    time.Duration
	TickInterval  time.Duration
	MaxCrash      float64
	OracleTTL     time.Duration
	SeedDemoUsers bool
}

type CLIConfig struct {
	APIBaseURL string
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("CRASHD_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:          addr,
		StoreBackend:  envBackendDefault(),
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		BetWindow:     envDurationDefault("CRASHD_BET_WINDOW", 10*time.Second),
		PlayWindow:    envDurationDefault("CRASHD_PLAY_WINDOW", 20*time.Second),
		TickInterval:  envDurationDefault("CRASHD_TICK_INTERVAL", 100*time.Millisecond),
		MaxCrash:      envFloatDefault("CRASHD_MAX_CRASH", 120),
		OracleTTL:     envDurationDefault("CRASHD_ORACLE_TTL", 10*time.Second),
		SeedDemoUsers: envBoolDefault("CRASHD_SEED_DEMO_USERS", true),
	}
	if cfg.StoreBackend == "postgres" && cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required with the postgres backend")
	}
	if cfg.MaxCrash <= 1 {
		return cfg, fmt.Errorf("CRASHD_MAX_CRASH must exceed 1.0")
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("CRASHCTL_API_BASE_URL", "http://localhost:8080"), "/"),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envFloatDefault(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envBackendDefault() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("CRASHD_STORE")))
	switch v {
	case "memory", "postgres":
		return v
	default:
		if strings.TrimSpace(os.Getenv("DATABASE_URL")) != "" {
			return "postgres"
		}
		return "memory"
	}
}
