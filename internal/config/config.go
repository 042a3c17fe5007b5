package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"httpcoord/internal/obs"
	"httpcoord/internal/transport"
)

type Config struct {
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Registry  RegistryConfig  `json:"registry" yaml:"registry"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

// Durations are Go duration strings such as "5s" or "250ms".
type TransportConfig struct {
	DialTimeout           string `json:"dial_timeout" yaml:"dial_timeout"`
	TLSHandshakeTimeout   string `json:"tls_handshake_timeout" yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout string `json:"response_header_timeout" yaml:"response_header_timeout"`
	IdleConnTimeout       string `json:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	RequestTimeout        string `json:"request_timeout" yaml:"request_timeout"`
	MaxIdleConnsPerHost   int    `json:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host"`
	MaxResponseBytes      int64  `json:"max_response_bytes" yaml:"max_response_bytes"`
	UserAgent             string `json:"user_agent" yaml:"user_agent"`
}

type CacheConfig struct {
	MaxObjectBytes int64  `json:"max_object_bytes" yaml:"max_object_bytes"`
	SweepInterval  string `json:"sweep_interval" yaml:"sweep_interval"`
	DefaultTTL     string `json:"default_ttl" yaml:"default_ttl"`
}

type RegistryConfig struct {
	MaxFlights int `json:"max_flights" yaml:"max_flights"`
}

type LogConfig struct {
	Level   string `json:"level" yaml:"level"`
	Console bool   `json:"console" yaml:"console"`
}

type MetricsConfig struct {
	Addr              string `json:"addr" yaml:"addr"`
	HostTopK          int    `json:"host_topk" yaml:"host_topk"`
	RecomputeInterval string `json:"recompute_interval" yaml:"recompute_interval"`
}

func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			DialTimeout:           "1s",
			TLSHandshakeTimeout:   "5s",
			ResponseHeaderTimeout: "5s",
			IdleConnTimeout:       "90s",
			RequestTimeout:        "30s",
			MaxIdleConnsPerHost:   64,
			MaxResponseBytes:      50 * 1024 * 1024,
			UserAgent:             "httpcoord",
		},
		Cache: CacheConfig{
			MaxObjectBytes: 50 * 1024 * 1024,
		},
		Registry: RegistryConfig{MaxFlights: 10000},
		Log:      LogConfig{Level: "info"},
		Metrics:  MetricsConfig{HostTopK: 20, RecomputeInterval: "10s"},
	}
}

// ParseJSON overlays data on the defaults.
func ParseJSON(data []byte) (*Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseYAML overlays data on the defaults.
func ParseYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads path as JSON when it ends in .json and as YAML otherwise, then
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg *Config
	if strings.EqualFold(filepath.Ext(path), ".json") {
		cfg, err = ParseJSON(data)
	} else {
		cfg, err = ParseYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		DialTimeout:           mustDuration(c.Transport.DialTimeout),
		TLSHandshakeTimeout:   mustDuration(c.Transport.TLSHandshakeTimeout),
		ResponseHeaderTimeout: mustDuration(c.Transport.ResponseHeaderTimeout),
		IdleConnTimeout:       mustDuration(c.Transport.IdleConnTimeout),
		RequestTimeout:        mustDuration(c.Transport.RequestTimeout),
		MaxIdleConnsPerHost:   c.Transport.MaxIdleConnsPerHost,
		MaxResponseBytes:      c.Transport.MaxResponseBytes,
		UserAgent:             c.Transport.UserAgent,
	}
}

func (c *Config) MetricsConfig() obs.MetricsConfig {
	return obs.MetricsConfig{
		HostTopK:          c.Metrics.HostTopK,
		RecomputeInterval: mustDuration(c.Metrics.RecomputeInterval),
	}
}

// SweepInterval is zero when expired entries are only dropped on read.
func (c *Config) SweepInterval() time.Duration {
	return mustDuration(c.Cache.SweepInterval)
}

func (c *Config) DefaultTTL() time.Duration {
	return mustDuration(c.Cache.DefaultTTL)
}

func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	return time.ParseDuration(value)
}

// mustDuration is for values Validate has already accepted.
func mustDuration(value string) time.Duration {
	d, err := parseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

var errNilConfig = errors.New("config is nil")
