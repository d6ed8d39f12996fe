package scheduler

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DestinationConfig describes one output destination from the registry
// file. Type selects which fields apply: "osc" uses host/port/address/
// use_bundle, "midi" uses port_name/default_channel.
type DestinationConfig struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`

	// OSC
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Address   string `yaml:"address"`
	UseBundle bool   `yaml:"use_bundle"`

	// MIDI
	PortName       string `yaml:"port_name"`
	DefaultChannel int    `yaml:"default_channel"`
}

// DestinationsFile is the parsed registry file.
type DestinationsFile struct {
	Destinations map[string]DestinationConfig `yaml:"destinations"`
}

// LoadDestinations reads and validates a YAML destination registry.
func LoadDestinations(path string) (*DestinationsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read destinations file: %w", err)
	}
	return ParseDestinations(data)
}

// ParseDestinations parses and validates registry YAML.
func ParseDestinations(data []byte) (*DestinationsFile, error) {
	var file DestinationsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse destinations: %w", err)
	}
	if file.Destinations == nil {
		return nil, fmt.Errorf("destinations file must have a 'destinations' key")
	}

	for id, cfg := range file.Destinations {
		// The map key is authoritative; an explicit id must agree.
		if cfg.ID == "" {
			cfg.ID = id
		} else if cfg.ID != id {
			return nil, fmt.Errorf("destination id mismatch: key %q vs id %q", id, cfg.ID)
		}

		if err := validateDestination(cfg); err != nil {
			return nil, fmt.Errorf("destination %q: %w", id, err)
		}

		if cfg.Type == "osc" && cfg.Host == "" {
			cfg.Host = "127.0.0.1"
		}
		file.Destinations[id] = cfg
	}

	return &file, nil
}

func validateDestination(cfg DestinationConfig) error {
	if !validDestinationID(cfg.ID) {
		return fmt.Errorf("id must be alphanumeric with _ or -, got %q", cfg.ID)
	}

	switch cfg.Type {
	case "osc":
		if cfg.Port < 1024 || cfg.Port > 65535 {
			return fmt.Errorf("port must be in [1024,65535], got %d", cfg.Port)
		}
		if !strings.HasPrefix(cfg.Address, "/") {
			return fmt.Errorf("address must start with '/', got %q", cfg.Address)
		}
	case "midi":
		if cfg.PortName == "" {
			return fmt.Errorf("port_name must not be empty")
		}
		if cfg.DefaultChannel < 0 || cfg.DefaultChannel > 15 {
			return fmt.Errorf("default_channel must be in [0,15], got %d", cfg.DefaultChannel)
		}
	default:
		return fmt.Errorf("type must be 'osc' or 'midi', got %q", cfg.Type)
	}
	return nil
}

func validDestinationID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
