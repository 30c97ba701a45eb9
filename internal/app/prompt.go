// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/agora/internal/auth"
	"github.com/petervdpas/agora/internal/config"
)

// PromptInteractive walks through the settings most deployments change and
// returns the edited config. Invalid answers fall back to cfg unchanged.
func PromptInteractive(r io.Reader, w io.Writer, dir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)
	orig := cfg

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "agora interactive setup")
	fmt.Fprintf(w, " Data folder : %s\n", dir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Server.HTTPAddr = askString(in, w, "HTTP listen addr", cfg.Server.HTTPAddr)
	cfg.Server.NodeID = askString(in, w, "Node id (empty=random)", cfg.Server.NodeID)

	cfg.Auth.Mode = askString(in, w, "Auth mode (jwt|tokens)", cfg.Auth.Mode)
	if cfg.Auth.Mode == config.AuthModeJWT {
		cfg.Auth.JWKSURL = askString(in, w, "JWKS url (empty=HMAC secret)", cfg.Auth.JWKSURL)
		if cfg.Auth.JWKSURL == "" {
			cfg.Auth.JWTSecret = askString(in, w, "JWT HMAC secret", cfg.Auth.JWTSecret)
		}
		cfg.Auth.Issuer = askString(in, w, "Expected issuer (empty=any)", cfg.Auth.Issuer)
	}

	cfg.Broker.Kind = askString(in, w, "Broker (none|redis|nats|libp2p)", cfg.Broker.Kind)
	switch cfg.Broker.Kind {
	case config.BrokerRedis:
		cfg.Broker.RedisURL = askString(in, w, "Redis url", cfg.Broker.RedisURL)
	case config.BrokerNATS:
		cfg.Broker.NATSURL = askString(in, w, "NATS url", cfg.Broker.NATSURL)
	case config.BrokerLibp2p:
		cfg.Broker.Libp2pListenPort = askInt(in, w, "libp2p listen port (0=random)", cfg.Broker.Libp2pListenPort)
	}

	cfg.Presence.OfflineGraceSec = askInt(in, w, "Offline grace seconds", cfg.Presence.OfflineGraceSec)
	cfg.Calls.RingTimeoutSec = askInt(in, w, "Call ring timeout seconds", cfg.Calls.RingTimeoutSec)

	if askBool(in, w, "Enable server hooks (/api/*)", cfg.Hooks.SecretHash != "") {
		if secret := askString(in, w, "Hook secret", ""); secret != "" {
			hash, err := auth.HashSecret(secret)
			if err != nil {
				fmt.Fprintf(w, "Could not hash secret: %v\n", err)
			} else {
				cfg.Hooks.SecretHash = hash
			}
		}
	} else {
		cfg.Hooks.SecretHash = ""
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping previous settings.\n", err)
		return orig
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, convErr := strconv.Atoi(s); convErr == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
