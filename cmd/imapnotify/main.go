package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"github.com/tracyhatemice/imapnotify/internal/config"
	"github.com/tracyhatemice/imapnotify/internal/watcher"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Prompting may happen before logging is useful, so secrets are
	// resolved right after load.
	if err := cfg.ResolveSecrets(nil, promptPassword); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)

	accounts := cfg.Descriptors()
	logger.Info("imapnotify starting", "accounts", len(accounts))

	// Runs until the process is terminated; there is no graceful
	// shutdown path.
	if err := watcher.NewOrchestrator(accounts, logger).Run(); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "imapnotify.yaml"
	}
	return filepath.Join(dir, "imapnotify", "config.yaml")
}

func promptPassword(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "Password for %s: ", label)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
