package config

import (
	"time"

	"github.com/tavru/escvpnet/internal/escvp"
)

// Defaults applied by Normalize.
const (
	DefaultListen = ":8787"

	defaultConnectTimeoutMs  = 30_000
	defaultMonitorIntervalMs = 30_000
	defaultKeepaliveAfterMs  = 60_000
	defaultDeadAfterMs       = 180_000
	defaultPowerOffQuietMs   = 10_000
)

// Normalize fills in defaults for unset fields. It may mutate the
// configuration and must run before Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	p := &cfg.Projector
	if p.Port == 0 {
		p.Port = escvp.DefaultPort
	}
	if p.ConnectTimeoutMs == 0 {
		p.ConnectTimeoutMs = defaultConnectTimeoutMs
	}
	if p.MonitorIntervalMs == 0 {
		p.MonitorIntervalMs = defaultMonitorIntervalMs
	}
	if p.KeepaliveAfterMs == 0 {
		p.KeepaliveAfterMs = defaultKeepaliveAfterMs
	}
	if p.DeadAfterMs == 0 {
		p.DeadAfterMs = defaultDeadAfterMs
	}
	if p.PowerOffQuietMs == 0 {
		p.PowerOffQuietMs = defaultPowerOffQuietMs
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Duration helpers for the millisecond fields.

func (p ProjectorConfig) ConnectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeoutMs) * time.Millisecond
}

func (p ProjectorConfig) MonitorInterval() time.Duration {
	return time.Duration(p.MonitorIntervalMs) * time.Millisecond
}

func (p ProjectorConfig) KeepaliveAfter() time.Duration {
	return time.Duration(p.KeepaliveAfterMs) * time.Millisecond
}

func (p ProjectorConfig) DeadAfter() time.Duration {
	return time.Duration(p.DeadAfterMs) * time.Millisecond
}

func (p ProjectorConfig) PowerOffQuiet() time.Duration {
	return time.Duration(p.PowerOffQuietMs) * time.Millisecond
}
