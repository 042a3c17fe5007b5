package config

import (
	"errors"
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	if c == nil {
		return errNilConfig
	}
	var errs []error
	errs = append(errs, validateDurations(c)...)
	if c.Transport.MaxIdleConnsPerHost < 0 {
		errs = append(errs, errors.New("transport.max_idle_conns_per_host must be >= 0"))
	}
	if c.Transport.MaxResponseBytes < 0 {
		errs = append(errs, errors.New("transport.max_response_bytes must be >= 0"))
	}
	if c.Cache.MaxObjectBytes < 0 {
		errs = append(errs, errors.New("cache.max_object_bytes must be >= 0"))
	}
	if c.Registry.MaxFlights < 0 {
		errs = append(errs, errors.New("registry.max_flights must be >= 0"))
	}
	if c.Metrics.HostTopK < 0 {
		errs = append(errs, errors.New("metrics.host_topk must be >= 0"))
	}
	if c.Log.Level != "" {
		if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
			errs = append(errs, fmt.Errorf("log.level: %w", err))
		}
	}
	return errors.Join(errs...)
}

func validateDurations(c *Config) []error {
	fields := []struct {
		name  string
		value string
	}{
		{"transport.dial_timeout", c.Transport.DialTimeout},
		{"transport.tls_handshake_timeout", c.Transport.TLSHandshakeTimeout},
		{"transport.response_header_timeout", c.Transport.ResponseHeaderTimeout},
		{"transport.idle_conn_timeout", c.Transport.IdleConnTimeout},
		{"transport.request_timeout", c.Transport.RequestTimeout},
		{"cache.sweep_interval", c.Cache.SweepInterval},
		{"cache.default_ttl", c.Cache.DefaultTTL},
		{"metrics.recompute_interval", c.Metrics.RecomputeInterval},
	}
	var errs []error
	for _, field := range fields {
		d, err := parseDuration(field.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field.name, err))
			continue
		}
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", field.name))
		}
	}
	return errs
}
