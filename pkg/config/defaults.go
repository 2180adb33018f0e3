package config

import (
	"strings"
	"time"
)

// Default port numbers, per spec.md §6.1's registration table.
const (
	DefaultPortmapPort = 111
	DefaultNFSPort     = 2049
	DefaultMountPort   = 20048
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and
// environment variables to fill in any missing values with sensible
// defaults.
//
// Default Strategy:
//   - Zero-valued fields that have a default are replaced with it; the
//     metrics/admin ports and Kerberos settings are defaulted only when
//     their section is enabled
//   - Booleans and the Mounts/Exports lists are never defaulted
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyAdminDefaults(&cfg.Admin)
	applyKerberosDefaults(&cfg.Kerberos)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.PortmapPort == 0 {
		cfg.PortmapPort = DefaultPortmapPort
	}
	if cfg.NFSPort == 0 {
		cfg.NFSPort = DefaultNFSPort
	}
	if cfg.MountPort == 0 {
		cfg.MountPort = DefaultMountPort
	}

	// No defaults for Mounts/Exports: the operator must configure at
	// least one of each, enforced by Validate.
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyAdminDefaults sets admin API defaults.
func applyAdminDefaults(cfg *AdminConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 8081
	}
}

// applyKerberosDefaults sets RPCSEC_GSS defaults.
func applyKerberosDefaults(cfg *KerberosConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.Krb5Conf == "" {
		cfg.Krb5Conf = "/etc/krb5.conf"
	}
	if cfg.MaxClockSkew == 0 {
		cfg.MaxClockSkew = 5 * time.Minute
	}
	if cfg.ContextTTL == 0 {
		cfg.ContextTTL = 8 * time.Hour
	}
	if cfg.MaxContexts == 0 {
		cfg.MaxContexts = 10000
	}
}

// GetDefaultConfig returns a Config populated entirely with defaults,
// plus a single memfs mount/export pair so the server has something to
// serve out of the box.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Mounts: []MountConfig{
			{ExportName: "default", BackendModule: "memfs"},
		},
		Exports: []ExportConfig{
			{Name: "export", LogicalPath: "default"},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
