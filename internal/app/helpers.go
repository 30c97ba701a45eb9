// internal/app/helpers.go
package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/agora/internal/config"
)

// applyLogLevels sets every agora/* logger to the configured level, then
// applies per-subsystem overrides (which may name libp2p loggers too).
func applyLogLevels(cfg config.Log) {
	if err := logging.SetLogLevelRegex("^agora/", cfg.Level); err != nil {
		log.Warnf("log level %q: %v", cfg.Level, err)
	}
	for name, lvl := range cfg.Subsystems {
		if err := logging.SetLogLevel(name, lvl); err != nil {
			log.Warnf("log level %s=%s: %v", name, lvl, err)
		}
	}
}

// WaitTCP blocks until addr accepts connections or timeout passes.
func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

func logBanner(dir, cfgPath string, cfg config.Config) {
	broker := cfg.Broker.Kind
	if broker == config.BrokerNone {
		broker = "none (single node)"
	}
	log.Info("────────────────────────────────────────")
	log.Info("agora realtime node")
	log.Infof(" Data folder : %s", dir)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" Listen      : %s%s", cfg.Server.HTTPAddr, "/ws")
	log.Infof(" Auth        : %s", cfg.Auth.Mode)
	log.Infof(" Broker      : %s", broker)
	if len(cfg.Gateway.AllowedOrigins) > 0 {
		log.Infof(" Origins     : %s", strings.Join(cfg.Gateway.AllowedOrigins, ", "))
	}
	log.Info("────────────────────────────────────────")
}
