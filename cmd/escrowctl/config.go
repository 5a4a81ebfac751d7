package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"gopkg.in/yaml.v3"

	"github.com/Kukks/ark-escrow-demo/escrow"
)

type deviceConfig struct {
	RelayURL    string `yaml:"relay_url"`
	OperatorURL string `yaml:"operator_url"`
	DBPath      string `yaml:"db_path"`
	KeyFile     string `yaml:"key_file"`

	// ServerKey is the operator's x-only public key, 64 hex chars. Every
	// device coordinating the same contracts must configure the same key
	// and delay or they derive different addresses.
	ServerKey       string `yaml:"server_key"`
	UnilateralDelay uint16 `yaml:"unilateral_delay"`

	Network  string `yaml:"network"`
	LogLevel string `yaml:"log_level"`
}

func defaultDeviceConfig() deviceConfig {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".escrowctl")
	return deviceConfig{
		RelayURL:        "ws://localhost:7080/sync",
		OperatorURL:     "http://localhost:7070",
		DBPath:          filepath.Join(dataDir, "escrow.db"),
		KeyFile:         filepath.Join(dataDir, "key.hex"),
		UnilateralDelay: 144,
		Network:         "regtest",
		LogLevel:        "info",
	}
}

func loadDeviceConfig(path string) (deviceConfig, error) {
	cfg := defaultDeviceConfig()
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
	return cfg, nil
}

func (c deviceConfig) chainParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest", "simnet":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", c.Network)
}

func (c deviceConfig) serverKey() (escrow.PartyKey, error) {
	if c.ServerKey == "" {
		return escrow.PartyKey{}, fmt.Errorf("server_key is required in the config")
	}
	return escrow.ParsePartyKey(c.ServerKey)
}

// loadOrCreateKey reads the device private key, generating one on first use.
func loadOrCreateKey(path string) (*btcec.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		raw, err := hex.DecodeString(string(trimNewline(data)))
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("key file %s is not 32 bytes of hex", path)
		}
		priv, _ := btcec.PrivKeyFromBytes(raw)
		return priv, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	enc := hex.EncodeToString(priv.Serialize()) + "\n"
	if err := os.WriteFile(path, []byte(enc), 0o600); err != nil {
		return nil, fmt.Errorf("write key file %s: %w", path, err)
	}
	return priv, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
