package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Registry backends for the websocket mesh.
const (
	RegistryStatic = "static"
	RegistryRedis  = "redis"
	RegistryMDNS   = "mdns"
)

// Snapshot store backends.
const (
	StoreBolt   = "bolt"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Mesh struct {
		PeerID string `yaml:"peerId"`
		// Advertise is the ws:// URL other nodes dial; derived from the port when empty.
		Advertise      string `yaml:"advertise"`
		ConnectTimeout string `yaml:"connectTimeout"`
		HealthInterval string `yaml:"healthInterval"`
	} `yaml:"mesh"`
	Registry struct {
		Backend string `yaml:"backend"`
		TTL     string `yaml:"ttl"`
		Service string `yaml:"service"`
		// Peers seeds the static registry: peer id -> ws:// URL.
		Peers map[string]string `yaml:"peers"`
	} `yaml:"registry"`
	Persistence struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
		TTL     string `yaml:"ttl"`
	} `yaml:"persistence"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Exam struct {
		BankTTL         string `yaml:"bankTtl"`
		DefaultBank     string `yaml:"defaultBank"`
		LeaderboardSize int    `yaml:"leaderboardSize"`
	} `yaml:"exam"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default is the configuration used when no file is present.
func Default() Config {
	cfg := Config{}
	cfg.Server.Port = "8080"
	cfg.Registry.Backend = RegistryStatic
	cfg.Persistence.Backend = StoreBolt
	cfg.Persistence.Path = "data/peermesh.db"
	cfg.Exam.LeaderboardSize = 10
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load reads YAML config from path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
