package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Viewer holds settings for the dicecast viewer binary.
type Viewer struct {
	ServerURL           string `yaml:"server_url"`
	ChannelURL          string `yaml:"channel_url"`
	BackoffBaseMs       int    `yaml:"backoff_base_ms"`
	MaxAttempts         int    `yaml:"max_attempts"`
	TimeSyncIntervalSec int    `yaml:"time_sync_interval_sec"`
}

// Server holds settings for the dev round server.
type Server struct {
	Port          string `yaml:"port"`
	EventBus      string `yaml:"event_bus"` // "inproc" or "nats"
	NATSURL       string `yaml:"nats_url"`
	LeadTimeSec   int    `yaml:"lead_time_sec"`
	RoundDurSec   int    `yaml:"round_duration_sec"`
	RevealDelayMs int    `yaml:"reveal_delay_ms"`
	IdleGapSec    int    `yaml:"idle_gap_sec"`
	CancelEvery   int    `yaml:"cancel_every"`
}

// ViewerFromEnv reads DICECAST_* environment variables with defaults,
// then applies the optional YAML file named by DICECAST_CONFIG.
func ViewerFromEnv() (Viewer, error) {
	v := Viewer{
		ServerURL:           getEnv("DICECAST_SERVER_URL", "http://localhost:8090"),
		ChannelURL:          getEnv("DICECAST_CHANNEL_URL", "ws://localhost:8090/ws"),
		BackoffBaseMs:       getEnvAsInt("DICECAST_BACKOFF_BASE_MS", 1000),
		MaxAttempts:         getEnvAsInt("DICECAST_MAX_ATTEMPTS", 10),
		TimeSyncIntervalSec: getEnvAsInt("DICECAST_TIMESYNC_SEC", 30),
	}
	if err := applyFile(&v); err != nil {
		return Viewer{}, err
	}
	return v, nil
}

// ServerFromEnv reads DICECAST_* environment variables with defaults,
// then applies the optional YAML file named by DICECAST_CONFIG.
func ServerFromEnv() (Server, error) {
	s := Server{
		Port:          getEnv("DICECAST_PORT", "8090"),
		EventBus:      getEnv("DICECAST_EVENT_BUS", "inproc"),
		NATSURL:       getEnv("DICECAST_NATS_URL", "nats://localhost:4222"),
		LeadTimeSec:   getEnvAsInt("DICECAST_LEAD_TIME_SEC", 10),
		RoundDurSec:   getEnvAsInt("DICECAST_ROUND_DURATION_SEC", 8),
		RevealDelayMs: getEnvAsInt("DICECAST_REVEAL_DELAY_MS", 1000),
		IdleGapSec:    getEnvAsInt("DICECAST_IDLE_GAP_SEC", 5),
		CancelEvery:   getEnvAsInt("DICECAST_CANCEL_EVERY", 0),
	}
	if err := applyFile(&s); err != nil {
		return Server{}, err
	}
	return s, nil
}

// BackoffBase returns the reconnect backoff base as a duration.
func (v Viewer) BackoffBase() time.Duration {
	return time.Duration(v.BackoffBaseMs) * time.Millisecond
}

// TimeSyncInterval returns the drift correction interval as a duration.
func (v Viewer) TimeSyncInterval() time.Duration {
	return time.Duration(v.TimeSyncIntervalSec) * time.Second
}

func applyFile(target any) error {
	path := os.Getenv("DICECAST_CONFIG")
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
