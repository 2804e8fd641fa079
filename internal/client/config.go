package client

import (
	"fmt"

	"github.com/caarlos0/env/v6"
)

// EnvConfig holds the two external inputs a browser-style client has: the
// realtime endpoint and the API base URL.
type EnvConfig struct {
	SocketURL  string `env:"CHATSYNC_SOCKET_URL" envDefault:"ws://localhost:8080/ws"`
	APIBaseURL string `env:"CHATSYNC_API_URL" envDefault:"http://localhost:8080"`
}

// LoadEnv parses configuration from environment variables.
func LoadEnv() (EnvConfig, error) {
	cfg := EnvConfig{}
	if err := env.Parse(&cfg); err != nil {
		return EnvConfig{}, fmt.Errorf("parsing env config: %w", err)
	}
	return cfg, nil
}
