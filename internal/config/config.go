package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the immutable process configuration, built once at startup and
// threaded through component constructors.
type Config struct {
	Addr         string
	DatabasePath string

	JWTSecret string
	JWTIssuer string
	JWTTTL    time.Duration

	AppEnv                string
	LogDev                bool
	WSAllowedOrigins      []string
	WSAllowQueryTokens    bool
	DevWebSocketsAllowAll bool

	// AgentCheckInterval is how often the driver re-scans for in-progress
	// matches stuck waiting on an agent.
	AgentCheckInterval time.Duration
}

func LoadFromEnv() (Config, error) {
	ttlMinutes := int64(10080) // 7 days
	if v := os.Getenv("JWT_TTL_MINUTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			ttlMinutes = n
		} else {
			fmt.Fprintf(os.Stderr, "WARNING: invalid JWT_TTL_MINUTES=%q, using default %d\n", v, ttlMinutes)
		}
	}

	issuer := os.Getenv("JWT_ISSUER")
	if issuer == "" {
		issuer = "gameplay"
	}

	checkInterval := 60 * time.Second
	if v := os.Getenv("AGENT_CHECK_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			checkInterval = time.Duration(n) * time.Second
		} else {
			fmt.Fprintf(os.Stderr, "WARNING: invalid AGENT_CHECK_INTERVAL_SECONDS=%q, using default %s\n", v, checkInterval)
		}
	}

	cfg := Config{
		Addr:               os.Getenv("BACKEND_ADDR"),
		DatabasePath:       os.Getenv("DATABASE_PATH"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		JWTIssuer:          issuer,
		JWTTTL:             time.Duration(ttlMinutes) * time.Minute,
		AppEnv:             strings.TrimSpace(os.Getenv("APP_ENV")),
		AgentCheckInterval: checkInterval,
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}
	cfg.LogDev = cfg.AppEnv == "development"
	if v := strings.TrimSpace(os.Getenv("LOG_DEV")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LogDev = b
		}
	}

	if v := os.Getenv("WS_ALLOWED_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.WSAllowedOrigins = append(cfg.WSAllowedOrigins, p)
			}
		}
	}

	if v := strings.TrimSpace(os.Getenv("WS_ALLOW_QUERY_TOKENS")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.WSAllowQueryTokens = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("DEV_WEBSOCKETS_ALLOW_ALL")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DevWebSocketsAllowAll = b
		}
	}

	var missing []string
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if cfg.DatabasePath == "" {
		missing = append(missing, "DATABASE_PATH")
	}
	// BACKEND_ADDR is optional if PORT is set by the hosting environment.
	if cfg.Addr == "" {
		if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
			if strings.Contains(port, ":") {
				cfg.Addr = port
			} else {
				cfg.Addr = ":" + port
			}
		}
	}
	if cfg.Addr == "" {
		missing = append(missing, "BACKEND_ADDR (or PORT)")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing/invalid env: %s", strings.Join(missing, ", "))
	}

	return cfg, nil
}
