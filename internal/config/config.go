// Package config loads the daemon's TOML configuration, following the
// defaulted-struct shape used throughout the reference pack
// (orbstack-swift-nio/scon/conf.Config): a Config value with built-in
// defaults that a config file may selectively override.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Network holds the network manager's configuration section.
type Network struct {
	ContainerCIDR string `toml:"container_cidr"`
	BridgeName    string `toml:"bridge_name"`
	NATEnabled    bool   `toml:"nat_enabled"`
}

// Storage holds paths for the persistence, socket and bootstrap layers.
type Storage struct {
	DatabasePath string `toml:"database_path"`
	SocketPath   string `toml:"socket_path"`
	CachePath    string `toml:"cache_path"`
}

// API holds request-handling tunables.
type API struct {
	Timeout int `toml:"timeout"`
}

// Config is the full daemon configuration, per §6 of the spec.
type Config struct {
	ZfsPool string  `toml:"zfs_pool"`
	Network Network `toml:"network"`
	Storage Storage `toml:"storage"`
	API     API     `toml:"api"`
}

// Default returns the built-in default configuration.
func Default() Config {
	return Config{
		ZfsPool: "zroot/kawakaze",
		Network: Network{
			ContainerCIDR: "10.11.0.0/16",
			BridgeName:    "kawakaze-bridge",
			NATEnabled:    true,
		},
		Storage: Storage{
			DatabasePath: "/var/db/kawakaze/kawakaze.db",
			SocketPath:   "/var/run/kawakaze.sock",
			CachePath:    "/var/cache/kawakaze",
		},
		API: API{
			Timeout: 30,
		},
	}
}

// searchPaths returns the config file locations to try, in order, per §6:
// /etc/kawakaze/config.toml then ~/.config/kawakaze/config.toml.
func searchPaths() []string {
	paths := []string{"/etc/kawakaze/config.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kawakaze", "config.toml"))
	}
	return paths
}

// Load reads the first config file found among searchPaths, decoding it
// onto Default() so omitted keys keep their defaults. If no file is
// found, Default() is returned unmodified.
func Load() (Config, error) {
	cfg := Default()

	for _, path := range searchPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return LoadFile(path)
	}

	return cfg, nil
}

// LoadFile decodes the TOML file at path onto Default() and validates it.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg as TOML to path, creating parent directories as needed.
func Save(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Validate checks the boundary conditions called out in §6/§8: the
// ZFS pool name must be non-empty, the container CIDR must parse, and
// the API timeout must be in [1, 3600].
func (c Config) Validate() error {
	if c.ZfsPool == "" {
		return fmt.Errorf("zfs_pool must not be empty")
	}
	if _, err := netip.ParsePrefix(c.Network.ContainerCIDR); err != nil {
		return fmt.Errorf("network.container_cidr: %w", err)
	}
	if c.API.Timeout < 1 || c.API.Timeout > 3600 {
		return fmt.Errorf("api.timeout must be in [1, 3600], got %d", c.API.Timeout)
	}
	return nil
}
