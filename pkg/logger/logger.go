// Package logger configures the process-wide slog logger.
package logger

import (
	"log/slog"
	"sync"
)

var (
	mu  sync.RWMutex
	def *slog.Logger
)

// New builds a logger without touching the slog default.
func New(cfg Config) *slog.Logger {
	if cfg.Env == "" {
		cfg.Env = DetectEnv()
	}
	if cfg.Service == "" {
		cfg.Service = "app"
	}
	cfg.InstanceID = ensureInstanceID(cfg.InstanceID)

	if cfg.Backend == "" {
		if cfg.Env == EnvDev {
			cfg.Backend = BackendStd
		} else {
			cfg.Backend = BackendZap
		}
	}

	var h slog.Handler
	switch cfg.Backend {
	case BackendZap:
		h = newZapHandler(cfg)
	default:
		h = newStdHandler(cfg)
	}

	return slog.New(traceHandler{h.WithAttrs(commonAttrs(cfg))})
}

// Init настраивает slog в зависимости от среды и делает его default.
func Init(cfg Config) *slog.Logger {
	l := New(cfg)
	slog.SetDefault(l)

	mu.Lock()
	def = l
	mu.Unlock()
	return l
}

func L() *slog.Logger {
	mu.RLock()
	l := def
	mu.RUnlock()
	if l != nil {
		return l
	}
	return Init(Config{})
}
