package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig holds everything the peerchess binary needs. Values come
// from the environment; an optional YAML file (CONFIG_FILE) supplies
// defaults that the environment overrides.
type AppConfig struct {
	RoomID     string `yaml:"room_id"`
	PlayerID   string `yaml:"player_id"`
	PlayerName string `yaml:"player_name"`
	AccountID  string `yaml:"account_id"`

	// Seat preference when creating a match: white, black or random.
	ColorChoice string `yaml:"color"`
	TimeControl string `yaml:"time_control"`

	ListenAddr    string `yaml:"listen_addr"`
	AdvertiseAddr string `yaml:"advertise_addr"`
	StatusAddr    string `yaml:"status_addr"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	// Waiting matches older than this many seconds are swept to expired.
	WaitingTTLSec int `yaml:"waiting_ttl_sec"`
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ColorChoice:   "random",
		TimeControl:   "5+0",
		ListenAddr:    ":7780",
		StatusAddr:    "",
		WaitingTTLSec: 1800,
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	setString(&cfg.RoomID, "ROOM_ID")
	setString(&cfg.PlayerID, "PLAYER_ID")
	setString(&cfg.PlayerName, "PLAYER_NAME")
	setString(&cfg.AccountID, "ACCOUNT_ID")
	setString(&cfg.ColorChoice, "COLOR")
	setString(&cfg.TimeControl, "TIME_CONTROL")
	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.AdvertiseAddr, "ADVERTISE_ADDR")
	setString(&cfg.StatusAddr, "STATUS_ADDR")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")

	if v := strings.TrimSpace(os.Getenv("WAITING_TTL")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WaitingTTLSec = n
		}
	}

	if cfg.RoomID == "" {
		return nil, errors.New("ROOM_ID is required")
	}
	if cfg.PlayerID == "" {
		return nil, errors.New("PLAYER_ID is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = "ws://127.0.0.1" + normalizePort(cfg.ListenAddr)
	}

	return cfg, nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func normalizePort(listen string) string {
	if i := strings.LastIndex(listen, ":"); i >= 0 {
		return listen[i:]
	}
	return ":7780"
}
