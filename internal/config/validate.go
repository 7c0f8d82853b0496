package config

import (
	"fmt"
)

// Validate checks configuration correctness after Normalize has run. It does
// not mutate the configuration.
func Validate(cfg *Config) error {
	p := cfg.Projector

	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("projector: invalid port %d", p.Port)
	}
	if p.ConnectTimeoutMs < 0 || p.MonitorIntervalMs < 0 ||
		p.KeepaliveAfterMs < 0 || p.DeadAfterMs < 0 || p.PowerOffQuietMs < 0 {
		return fmt.Errorf("projector: durations must not be negative")
	}
	if p.DeadAfterMs < p.KeepaliveAfterMs {
		return fmt.Errorf(
			"projector: dead_after_ms (%d) must not be smaller than keepalive_after_ms (%d)",
			p.DeadAfterMs, p.KeepaliveAfterMs,
		)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging: invalid level %q", cfg.Logging.Level)
	}

	return nil
}
