package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type daemonConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	SyncPath   string `yaml:"sync_path"`
	LogLevel   string `yaml:"log_level"`
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		ListenAddr: ":7080",
		SyncPath:   "/sync",
		LogLevel:   "info",
	}
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":7080"
	}
	if cfg.SyncPath == "" {
		cfg.SyncPath = "/sync"
	}
	return cfg, nil
}
