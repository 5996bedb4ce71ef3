package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Main is the entrypoint used by cmd/parlor.
// It returns an error instead of calling os.Exit to keep defers effective.
func Main() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
