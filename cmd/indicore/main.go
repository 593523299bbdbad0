package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"indicore/internal/app"
	"indicore/internal/config"
	"indicore/internal/engine"
	"indicore/internal/logger"
)

func main() {
	defaultCfg := os.Getenv("INDICORE_CONFIG")
	if defaultCfg == "" {
		defaultCfg = "configs/config.yaml"
	}
	cfgPath := flag.String("config", defaultCfg, "path to the YAML config file")
	modeFlag := flag.String("mode", string(engine.ModeUpdate), "run mode: update or force_reload")
	flag.Parse()

	mode, err := parseMode(*modeFlag)
	if err != nil {
		log.Fatalf("invalid mode: %v", err)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("loading config failed: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("initializing log file failed: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("config loaded (env=%s, storage=%s, mode=%s)", cfg.App.Env, cfg.Storage.Path, mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("initializing app failed: %v", err)
	}
	if err := a.Run(ctx, mode); err != nil {
		logger.Errorf("run failed: %v", err)
		os.Exit(1)
	}
}

func parseMode(raw string) (engine.Mode, error) {
	switch engine.Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case engine.ModeUpdate:
		return engine.ModeUpdate, nil
	case engine.ModeForceReload:
		return engine.ModeForceReload, nil
	default:
		return "", fmt.Errorf("%q (want update or force_reload)", raw)
	}
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
