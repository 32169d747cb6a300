// Package config loads runtime configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config aggregates the settings for the client binaries.
type Config struct {
	API    APIConfig
	WS     WSConfig
	Typing TypingConfig
	Server ServerConfig
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	ws, err := loadWSConfig()
	if err != nil {
		return nil, err
	}

	typing, err := loadTypingConfig()
	if err != nil {
		return nil, err
	}

	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		API:    APIConfig{BaseURL: getEnvOrDefault("CHAT_API_URL", "http://localhost:8000")},
		WS:     ws,
		Typing: typing,
		Server: server,
	}, nil
}

// APIConfig addresses the REST collaborator.
type APIConfig struct {
	BaseURL string
}

// WSConfig addresses the realtime transport.
type WSConfig struct {
	BaseURL        string
	ReconnectDelay time.Duration
}

func loadWSConfig() (WSConfig, error) {
	delay, err := parseDurationEnv("CHAT_RECONNECT_DELAY", 5*time.Second)
	if err != nil {
		return WSConfig{}, err
	}
	return WSConfig{
		BaseURL:        getEnvOrDefault("CHAT_WS_URL", "ws://localhost:8000"),
		ReconnectDelay: delay,
	}, nil
}

// TypingConfig holds the presence timing windows.
type TypingConfig struct {
	LocalIdle    time.Duration
	RemoteExpiry time.Duration
}

func loadTypingConfig() (TypingConfig, error) {
	idle, err := parseDurationEnv("CHAT_TYPING_IDLE", 3*time.Second)
	if err != nil {
		return TypingConfig{}, err
	}
	expiry, err := parseDurationEnv("CHAT_TYPING_EXPIRY", 1500*time.Millisecond)
	if err != nil {
		return TypingConfig{}, err
	}
	return TypingConfig{LocalIdle: idle, RemoteExpiry: expiry}, nil
}

// ServerConfig describes the devserver listen address.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8000"
	}

	if strings.Contains(port, ":") {
		// Allow ":8000" or "127.0.0.1:8000" verbatim.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}
