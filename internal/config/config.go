// Package config loads and validates the per-module configuration: the
// ambient parameters left as deployment knobs (timers, store and queue
// bounds, the local firmware identity, the declared connector set)
// rather than protocol content.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ConnectorSpec declares one physical connector present at boot.
type ConnectorSpec struct {
	Name            string `json:"name"`
	PhysicalAddress string `json:"physical_address"` // hex-encoded 6 bytes, e.g. "aabbccddeeff"
}

type Config struct {
	// Identity
	ModuleID uint16 `json:"module_id"`

	// Logging
	LogLevel string `json:"log_level"`

	// RRP timers (none specified by the protocol itself beyond periodic
	// re-announce on reconnect). HostLockTimeout is loaded and defaulted
	// but no component reads it.
	HostLockTimeout time.Duration `json:"host_lock_timeout"`

	// FDP timers
	AnnouncePeriod      time.Duration `json:"announce_period"`
	ProgressCheckPeriod time.Duration `json:"progress_check_period"`
	InFlightExpiry      time.Duration `json:"in_flight_expiry"`

	// Resource bounds
	EventQueueSize int `json:"event_queue_size"`
	StoreCapacity  int `json:"store_capacity"`

	// FDP protocol parameters
	ChunkSize    uint16 `json:"chunk_size"`
	FirmwareType uint8  `json:"firmware_type"`

	// Outbound send concurrency (internal/scheduler's ants pool size)
	ConcurrencyLimit int `json:"concurrency_limit"`

	// Declared connectors for the in-process link simulation used by
	// tests and the `rofid test` subcommand.
	Connectors []ConnectorSpec `json:"connectors"`

	// Where to persist ongoing-update state across restarts.
	UpdateStateFile string `json:"update_state_file"`

	// Transport selects the link driver backend: "sim" pairs each
	// connector with an in-process loopback peer (internal/linkfabric,
	// for tests and `rofid test`); "udp6" opens a real ff02::1f
	// multicast socket per connector name via internal/linkdriver/udp6.
	Transport string `json:"transport"`

	// RoutePort selects the host forwarding table backend: "test" keeps
	// routes in memory (internal/routingtable/routeporttest); "netlink"
	// programs the kernel's IPv6 routes via internal/hostroute.
	RoutePort string `json:"route_port"`
}

func NewDefaultConfig() *Config {
	return &Config{
		ModuleID:            1,
		LogLevel:            "info",
		HostLockTimeout:     2 * time.Second,
		AnnouncePeriod:      15 * time.Second,
		ProgressCheckPeriod: 30 * time.Second,
		InFlightExpiry:      20 * time.Second,
		EventQueueSize:      8,
		StoreCapacity:       20,
		ChunkSize:           1024,
		FirmwareType:        1,
		ConcurrencyLimit:    4,
		UpdateStateFile:     "rofid_update_state.json",
		Transport:           "sim",
		RoutePort:           "test",
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.AnnouncePeriod < time.Second {
		return fmt.Errorf("announce_period must be at least 1 second")
	}
	if c.ProgressCheckPeriod < time.Second {
		return fmt.Errorf("progress_check_period must be at least 1 second")
	}
	if c.InFlightExpiry < time.Second {
		return fmt.Errorf("in_flight_expiry must be at least 1 second")
	}
	if c.EventQueueSize < 1 {
		return fmt.Errorf("event_queue_size must be at least 1")
	}
	if c.StoreCapacity < 1 {
		return fmt.Errorf("store_capacity must be at least 1")
	}
	if c.ChunkSize == 0 {
		return fmt.Errorf("chunk_size must be nonzero")
	}
	if c.ConcurrencyLimit < 1 {
		return fmt.Errorf("concurrency_limit must be at least 1")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}

	if c.Transport != "sim" && c.Transport != "udp6" {
		return fmt.Errorf("invalid transport: %s", c.Transport)
	}
	if c.RoutePort != "test" && c.RoutePort != "netlink" {
		return fmt.Errorf("invalid route_port: %s", c.RoutePort)
	}

	return nil
}

func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
