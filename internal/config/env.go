package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override the JSON file. Secrets and URLs are
// usually supplied this way in deployments.
const (
	EnvHTTPAddr     = "AGORA_HTTP_ADDR"
	EnvNodeID       = "AGORA_NODE_ID"
	EnvLogLevel     = "AGORA_LOG_LEVEL"
	EnvAuthMode     = "AGORA_AUTH_MODE"
	EnvJWTSecret    = "AGORA_JWT_SECRET"
	EnvJWKSURL      = "AGORA_JWKS_URL"
	EnvBrokerKind   = "AGORA_BROKER"
	EnvRedisURL     = "AGORA_REDIS_URL"
	EnvNATSURL      = "AGORA_NATS_URL"
	EnvHookHash     = "AGORA_HOOK_SECRET_HASH"
	EnvOTLPEndpoint = "AGORA_OTLP_ENDPOINT"
	EnvQueueSize    = "AGORA_QUEUE_SIZE"
)

// LoadDotEnv loads <dir>/.env into the process environment if present.
// Variables already set in the environment win.
func LoadDotEnv(dir string) error {
	p := filepath.Join(dir, ".env")
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(p)
}

// ApplyEnv overlays AGORA_* environment variables onto cfg.
func ApplyEnv(cfg *Config) {
	setString(&cfg.Server.HTTPAddr, EnvHTTPAddr)
	setString(&cfg.Server.NodeID, EnvNodeID)
	setString(&cfg.Log.Level, EnvLogLevel)
	setString(&cfg.Auth.Mode, EnvAuthMode)
	setString(&cfg.Auth.JWTSecret, EnvJWTSecret)
	setString(&cfg.Auth.JWKSURL, EnvJWKSURL)
	setString(&cfg.Broker.Kind, EnvBrokerKind)
	setString(&cfg.Broker.RedisURL, EnvRedisURL)
	setString(&cfg.Broker.NATSURL, EnvNATSURL)
	setString(&cfg.Hooks.SecretHash, EnvHookHash)
	setString(&cfg.Telemetry.OTLPEndpoint, EnvOTLPEndpoint)
	setInt(&cfg.Gateway.QueueSize, EnvQueueSize)
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
