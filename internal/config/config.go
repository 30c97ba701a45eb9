package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/agora/internal/util"
)

type Config struct {
	Server    Server    `json:"server"`
	Log       Log       `json:"log"`
	Auth      Auth      `json:"auth"`
	Presence  Presence  `json:"presence"`
	Gateway   Gateway   `json:"gateway"`
	Calls     Calls     `json:"calls"`
	Broker    Broker    `json:"broker"`
	Storage   Storage   `json:"storage"`
	Hooks     Hooks     `json:"hooks"`
	Telemetry Telemetry `json:"telemetry"`
}

type Server struct {
	HTTPAddr string `json:"http_addr"`

	// NodeID identifies this process on the broker. Empty means a random id
	// is generated at startup.
	NodeID string `json:"node_id"`
}

type Log struct {
	Level string `json:"level"`

	// Per-subsystem overrides, e.g. {"agora/bus": "debug", "swarm2": "error"}.
	Subsystems map[string]string `json:"subsystems,omitempty"`
}

const (
	AuthModeJWT    = "jwt"
	AuthModeTokens = "tokens"
)

type Auth struct {
	Mode string `json:"mode"` // jwt|tokens

	// HMAC secret for HS256 tokens. Ignored when JWKSURL is set.
	JWTSecret string `json:"jwt_secret"`
	JWKSURL   string `json:"jwks_url"`
	Issuer    string `json:"issuer"`
	Audience  string `json:"audience"`

	// JSON file mapping token -> user id, reloaded on change.
	TokensFile string `json:"tokens_file"`

	// Connections that have not authenticated within this window are closed.
	TimeoutSec int `json:"timeout_seconds"`
}

type Presence struct {
	TTLSec          int `json:"ttl_seconds"`
	SweepSec        int `json:"sweep_seconds"`
	OfflineGraceSec int `json:"offline_grace_seconds"`
}

type Gateway struct {
	QueueSize       int      `json:"queue_size"`
	PingSec         int      `json:"ping_seconds"`
	PongTimeoutSec  int      `json:"pong_timeout_seconds"`
	WriteTimeoutSec int      `json:"write_timeout_seconds"`
	MaxMessageBytes int64    `json:"max_message_bytes"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	ReplayLimit     int      `json:"replay_limit"`
}

type Calls struct {
	RingTimeoutSec int `json:"ring_timeout_seconds"`
	RetentionSec   int `json:"retention_seconds"`

	// STUN/TURN urls handed to both parties on video_call_accepted.
	ICEURLs []string `json:"ice_urls,omitempty"`
}

const (
	BrokerNone   = "none"
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
	BrokerNATS   = "nats"
	BrokerLibp2p = "libp2p"
)

type Broker struct {
	Kind   string `json:"kind"`
	Prefix string `json:"prefix"`

	RedisURL string `json:"redis_url"`
	NATSURL  string `json:"nats_url"`

	Libp2pListenPort int      `json:"libp2p_listen_port"`
	Libp2pBootstrap  []string `json:"libp2p_bootstrap,omitempty"`

	ForwardQueue      int `json:"forward_queue"`
	MaxRetrySec       int `json:"max_retry_seconds"`
	PublishTimeoutSec int `json:"publish_timeout_seconds"`
}

type Storage struct {
	// Relative to the data directory.
	DBPath string `json:"db_path"`

	// Async append queue for the event log.
	AppendQueue int `json:"append_queue"`

	// Logged events older than this are pruned; replay cannot reach further back.
	EventRetentionSec int `json:"event_retention_seconds"`
}

type Hooks struct {
	// bcrypt hash of the shared secret sent in X-Agora-Hook. Empty disables
	// the HTTP publish hooks.
	SecretHash string `json:"secret_hash"`
}

type Telemetry struct {
	OTLPEndpoint string `json:"otlp_endpoint"`
	ServiceName  string `json:"service_name"`
	ExportSec    int    `json:"export_seconds"`
}

func Default() Config {
	return Config{
		Server: Server{
			HTTPAddr: "127.0.0.1:8080",
		},
		Log: Log{
			Level: "info",
		},
		Auth: Auth{
			Mode:       AuthModeTokens,
			TokensFile: "tokens.json",
			TimeoutSec: 10,
		},
		Presence: Presence{
			TTLSec:          300,
			SweepSec:        30,
			OfflineGraceSec: 300,
		},
		Gateway: Gateway{
			QueueSize:       256,
			PingSec:         30,
			PongTimeoutSec:  75,
			WriteTimeoutSec: 10,
			MaxMessageBytes: 64 << 10,
			ReplayLimit:     500,
		},
		Calls: Calls{
			RingTimeoutSec: 60,
			RetentionSec:   3600,
			ICEURLs:        []string{"stun:stun.l.google.com:19302"},
		},
		Broker: Broker{
			Kind:              BrokerNone,
			Prefix:            "agora",
			RedisURL:          "redis://localhost:6379",
			NATSURL:           "nats://localhost:4222",
			ForwardQueue:      1024,
			MaxRetrySec:       30,
			PublishTimeoutSec: 5,
		},
		Storage: Storage{
			DBPath:            "data/agora.db",
			AppendQueue:       1024,
			EventRetentionSec: 7 * 24 * 3600,
		},
		Telemetry: Telemetry{
			ServiceName: "agora",
			ExportSec:   15,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr is required")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return errors.New("log.level must be one of debug|info|warn|error")
	}

	// Auth
	switch c.Auth.Mode {
	case AuthModeJWT:
		if strings.TrimSpace(c.Auth.JWTSecret) == "" && strings.TrimSpace(c.Auth.JWKSURL) == "" {
			return errors.New("auth.jwt_secret or auth.jwks_url is required when auth.mode=jwt")
		}
		if u := strings.TrimSpace(c.Auth.JWKSURL); u != "" {
			if err := validateURL(u, "http", "https"); err != nil {
				return fmt.Errorf("auth.jwks_url: %w", err)
			}
		}
	case AuthModeTokens:
		if strings.TrimSpace(c.Auth.TokensFile) == "" {
			return errors.New("auth.tokens_file is required when auth.mode=tokens")
		}
	default:
		return errors.New("auth.mode must be jwt or tokens")
	}
	if c.Auth.TimeoutSec <= 0 {
		return errors.New("auth.timeout_seconds must be > 0")
	}

	// Presence
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.SweepSec <= 0 {
		return errors.New("presence.sweep_seconds must be > 0")
	}
	if c.Presence.SweepSec >= c.Presence.TTLSec {
		return errors.New("presence.sweep_seconds must be < presence.ttl_seconds")
	}
	if c.Presence.OfflineGraceSec < 0 {
		return errors.New("presence.offline_grace_seconds must be >= 0")
	}

	// Gateway
	if c.Gateway.QueueSize < 1 {
		return errors.New("gateway.queue_size must be >= 1")
	}
	if c.Gateway.PingSec <= 0 {
		return errors.New("gateway.ping_seconds must be > 0")
	}
	if c.Gateway.PongTimeoutSec <= c.Gateway.PingSec {
		return errors.New("gateway.pong_timeout_seconds must be > gateway.ping_seconds")
	}
	if c.Gateway.WriteTimeoutSec <= 0 {
		return errors.New("gateway.write_timeout_seconds must be > 0")
	}
	if c.Gateway.MaxMessageBytes < 512 {
		return errors.New("gateway.max_message_bytes must be >= 512")
	}
	if c.Gateway.ReplayLimit < 0 {
		return errors.New("gateway.replay_limit must be >= 0")
	}

	// Calls
	if c.Calls.RingTimeoutSec <= 0 {
		return errors.New("calls.ring_timeout_seconds must be > 0")
	}
	if c.Calls.RetentionSec <= 0 {
		return errors.New("calls.retention_seconds must be > 0")
	}
	for _, u := range c.Calls.ICEURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return fmt.Errorf("calls.ice_urls: %q must start with stun:, turn: or turns:", u)
		}
	}

	// Broker
	if strings.TrimSpace(c.Broker.Prefix) == "" {
		return errors.New("broker.prefix is required")
	}
	if strings.ContainsAny(c.Broker.Prefix, " *>") {
		return errors.New("broker.prefix must not contain spaces, '*' or '>'")
	}
	switch c.Broker.Kind {
	case BrokerNone, BrokerMemory:
	case BrokerRedis:
		if err := validateURL(c.Broker.RedisURL, "redis", "rediss"); err != nil {
			return fmt.Errorf("broker.redis_url: %w", err)
		}
	case BrokerNATS:
		if err := validateURL(c.Broker.NATSURL, "nats", "tls"); err != nil {
			return fmt.Errorf("broker.nats_url: %w", err)
		}
	case BrokerLibp2p:
		if c.Broker.Libp2pListenPort < 0 || c.Broker.Libp2pListenPort > 65535 {
			return errors.New("broker.libp2p_listen_port must be 0..65535")
		}
	default:
		return errors.New("broker.kind must be one of none|memory|redis|nats|libp2p")
	}
	if c.Broker.ForwardQueue < 1 {
		return errors.New("broker.forward_queue must be >= 1")
	}
	if c.Broker.MaxRetrySec <= 0 {
		return errors.New("broker.max_retry_seconds must be > 0")
	}
	if c.Broker.PublishTimeoutSec <= 0 {
		return errors.New("broker.publish_timeout_seconds must be > 0")
	}

	// Storage
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return errors.New("storage.db_path is required")
	}
	if c.Storage.AppendQueue < 1 {
		return errors.New("storage.append_queue must be >= 1")
	}
	if c.Storage.EventRetentionSec <= 0 {
		return errors.New("storage.event_retention_seconds must be > 0")
	}

	// Hooks
	if h := c.Hooks.SecretHash; h != "" && !strings.HasPrefix(h, "$2") {
		return errors.New("hooks.secret_hash must be a bcrypt hash (see `agora hash-secret`)")
	}

	// Telemetry
	if c.Telemetry.OTLPEndpoint != "" && c.Telemetry.ExportSec <= 0 {
		return errors.New("telemetry.export_seconds must be > 0 when otlp_endpoint is set")
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, "|"))
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file and applies environment overrides without
// validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	ApplyEnv(&cfg)
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	ApplyEnv(&cfg)
	return cfg, true, cfg.Validate()
}
