// Package config loads the daemon configuration: a flat JSON document
// listing the switches plus a handful of globals, unmarshaled with the
// standard library and validated by hand.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// SwitchConfig describes one configured switch.
type SwitchConfig struct {
	Name        string `json:"name"`
	Serial      string `json:"serial,omitempty"` // "" permitted only on the last entry
	TCPPortBase uint16 `json:"tcp_port_base"`
}

// Config is the whole daemon configuration.
type Config struct {
	Switches         []SwitchConfig `json:"switches"`
	TCPIdleTimeoutS  int            `json:"tcp_idle_timeout_seconds"`
	PersistDir       string         `json:"persist_dir"`
	MaxQueuedPerClient int          `json:"max_queued_per_client"`
	LogFile          string         `json:"log_file,omitempty"`
	AdminListen      string         `json:"admin_listen,omitempty"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the switch-list invariants: at least one switch,
// unique non-zero TCP port bases, and at most one serial-less entry,
// which must be last.
func (c *Config) Validate() error {
	if len(c.Switches) == 0 {
		return fmt.Errorf("config: at least one switch must be configured")
	}
	seenPorts := make(map[uint16]bool, len(c.Switches))
	for i, sw := range c.Switches {
		if sw.Name == "" {
			return fmt.Errorf("config: switch %d: name is required", i)
		}
		if sw.TCPPortBase == 0 {
			return fmt.Errorf("config: switch %q: tcp_port_base must be non-zero", sw.Name)
		}
		if seenPorts[sw.TCPPortBase] {
			return fmt.Errorf("config: switch %q: tcp_port_base %d reused", sw.Name, sw.TCPPortBase)
		}
		seenPorts[sw.TCPPortBase] = true

		if sw.Serial == "" && i != len(c.Switches)-1 {
			return fmt.Errorf("config: switch %q: a serial-less (fallback) switch is only permitted as the last entry", sw.Name)
		}
	}
	if c.TCPIdleTimeoutS < 0 {
		return fmt.Errorf("config: tcp_idle_timeout_seconds must be non-negative")
	}
	if c.PersistDir == "" {
		return fmt.Errorf("config: persist_dir is required")
	}
	return nil
}
