// Package config loads the YAML application config: the SOCKS5 front end,
// the control and metrics endpoints, the user list, and a named set of
// registry.Config pool definitions.
package config

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/avshutov/proxyhub/auth"
	"github.com/avshutov/proxyhub/registry"
	"github.com/avshutov/proxyhub/utils"
)

// App is the top-level application config.
type App struct {
	ListenAddr         string                     `yaml:"listen_addr"`
	MetricsAddr        string                     `yaml:"metrics_addr"`
	MetricsInterval    string                     `yaml:"metrics_interval"`
	ControlAddr        string                     `yaml:"control_addr"`
	ControlToken       string                     `yaml:"control_token"`
	Gateway            string                     `yaml:"gateway,omitempty"`
	PoolAcquireTimeout string                     `yaml:"pool_acquire_timeout,omitempty"`
	Users              []auth.ClientConfig        `yaml:"users"`
	Registries         map[string]registry.Config `yaml:"registries"`
}

var (
	DefaultListenAddr      = ":1080"
	DefaultMetricsInterval = "30s"
)

// Load reads and parses path, applying defaults and auto-generating a
// single random user when none is configured.
func Load(path string) (*App, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg App
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.MetricsInterval == "" {
		cfg.MetricsInterval = DefaultMetricsInterval
	}

	if len(cfg.Users) == 0 {
		username, errUser := utils.GenerateRandomUsername()
		if errUser != nil {
			log.Printf("Error generating random username: %v. Using fallback.", errUser)
			username = "H9NrVNZeUupxfv4G9k"
		}

		password, errPass := utils.GenerateRandomSecurePassword()
		if errPass != nil {
			log.Printf("Error generating random password: %v. Using fallback.", errPass)
			password = "zj9wq5FEH2jj8Ywt7Z"
		}

		log.Printf("Warning: No users defined in config. Generating a random user.")
		log.Printf("======== DEFAULT USER CREDENTIALS (save these!) ========")
		log.Printf("Username: %s", username)
		log.Printf("Password: %s", password)
		log.Printf("==========================================================")
		cfg.Users = append(cfg.Users, auth.ClientConfig{Username: username, Password: password, Allowed: true})
	}

	return &cfg, nil
}
