package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"

	"github.com/KafClaw/agentcore/internal/config"
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// setupLogging installs a zerolog-backed slog default. Console output is
// human readable; asJSON writes one object per line.
func setupLogging(w io.Writer, level string, asJSON bool) {
	var zl zerolog.Logger
	if asJSON {
		zl = zerolog.New(w).With().Timestamp().Logger()
	} else {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp}).With().Timestamp().Logger()
	}
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(zl, &zeroslog.HandlerOptions{Level: parseLevel(level)}),
	))
}

// loadConfig loads the config and applies its log settings unless flags
// already chose them.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if logLevel == "" && !logJSON {
		setupLogging(os.Stderr, cfg.Log.Level, cfg.Log.JSON)
	}
	return cfg, nil
}

func mustLoadConfig() *config.Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
