package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the nfsd server configuration.
//
// This structure captures every static configuration aspect of the
// server: the logging/telemetry/metrics/admin ambient stack, and the
// §6.3 "Configuration Surface" fields that drive server wiring
// (portmap registration mode, RDMA listener options, the mount/export
// tables).
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Admin     AdminConfig     `mapstructure:"admin" yaml:"admin"`
	Kerberos  KerberosConfig  `mapstructure:"kerberos" yaml:"kerberos"`

	// ShutdownTimeout bounds how long graceful shutdown waits for
	// in-flight RPCs to drain before the process exits.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Host is the address advertised in portmap universal addresses and
	// used as the bind address for every listener.
	Host string `mapstructure:"host" yaml:"host"`

	// ExternalPortmap: if true, the server registers its ports with the
	// system rpcbind instead of running the built-in PORTMAP/rpcbind
	// listener on PortmapPort (§6.3 "external_portmap").
	ExternalPortmap bool `mapstructure:"external_portmap" yaml:"external_portmap"`
	PortmapPort     int  `mapstructure:"portmap_port" validate:"omitempty,min=1,max=65535" yaml:"portmap_port"`
	NFSPort         int  `mapstructure:"nfs_port" validate:"omitempty,min=1,max=65535" yaml:"nfs_port"`
	MountPort       int  `mapstructure:"mount_port" validate:"omitempty,min=1,max=65535" yaml:"mount_port"`

	// NFSRDMA enables the native RDMA listener (§6.3 "nfs_rdma").
	NFSRDMA         bool   `mapstructure:"nfs_rdma" yaml:"nfs_rdma"`
	NFSRDMAHostname string `mapstructure:"nfs_rdma_hostname" yaml:"nfs_rdma_hostname,omitempty"`
	NFSRDMAPort     int    `mapstructure:"nfs_rdma_port" validate:"omitempty,min=1,max=65535" yaml:"nfs_rdma_port,omitempty"`
	// NFSTCPRDMAPort: nonzero enables TCP/RDMA emulation, which takes
	// precedence over the native RDMA listener above (§6.3).
	NFSTCPRDMAPort int `mapstructure:"nfs_tcp_rdma_port" validate:"omitempty,min=1,max=65535" yaml:"nfs_tcp_rdma_port,omitempty"`

	// Mounts instantiates one VFS backend per entry, keyed by
	// ExportName, per §6.3 "(export_name, backend_module, backend_path,
	// module_config_json)".
	Mounts []MountConfig `mapstructure:"mounts" validate:"dive" yaml:"mounts"`
	// Exports maps an externally visible MOUNT name to one of the
	// Mounts entries above, per §6.3 "(exported_name, logical_path)".
	Exports []ExportConfig `mapstructure:"exports" validate:"dive" yaml:"exports"`
}

// MountConfig instantiates one backend module at server startup.
type MountConfig struct {
	// ExportName identifies this mount for ExportConfig.LogicalPath to
	// reference; it is not itself client-visible (see ExportConfig.Name
	// for the MOUNT-visible name).
	ExportName string `mapstructure:"export_name" validate:"required" yaml:"export_name"`

	// BackendModule selects the vfs.Backend implementation: "memfs" or
	// "badgerfs".
	BackendModule string `mapstructure:"backend_module" validate:"required,oneof=memfs badgerfs" yaml:"backend_module"`

	// BackendPath is the on-disk root the backend instance manages.
	// Unused by memfs (purely in-memory); for badgerfs this is the
	// badger database directory.
	BackendPath string `mapstructure:"backend_path" yaml:"backend_path,omitempty"`

	// ModuleConfig carries backend-specific options as a free-form map
	// (§6.3 "module_config_json"), decoded per backend_module by
	// pkg/server's mount builder (e.g. badgerfs's S3 offload settings).
	ModuleConfig map[string]any `mapstructure:"module_config" yaml:"module_config,omitempty"`
}

// ExportConfig publishes one MountConfig under a client-facing name.
type ExportConfig struct {
	// Name is the exported name clients pass to MOUNT (§6.3
	// "exported_name").
	Name string `mapstructure:"exported_name" validate:"required" yaml:"exported_name"`

	// LogicalPath references a MountConfig.ExportName. Exports are flat
	// (see pkg/nfs4.PseudoFS's doc comment): there is no sub-path
	// resolution within a mount at this layer, only a rename of which
	// mount answers for which MOUNT-visible name.
	LogicalPath string `mapstructure:"logical_path" validate:"required" yaml:"logical_path"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
// When enabled, trace data is exported to an OTLP-compatible collector
// (e.g., Jaeger, Tempo, or any OTLP receiver).
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use an insecure (non-TLS) connection.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server endpoint (URL).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect.
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// AdminConfig controls the optional read-only admin HTTP API
// (pkg/admin). Disabled by default: it has no effect on NFS semantics.
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port the admin API listens on.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// BearerToken is the HMAC secret pkg/admin uses to sign and verify
	// the JWT that every admin request carries in its Authorization
	// header ("Bearer <jwt>").
	BearerToken string `mapstructure:"bearer_token" yaml:"bearer_token,omitempty"`
}

// KerberosConfig contains Kerberos/RPCSEC_GSS authentication configuration.
//
// Only ApplyDefaults reads these settings: it fills in their defaults
// when Enabled is true. No server in this module loads the keytab or
// accepts RPCSEC_GSS (RFC 2203) credentials.
type KerberosConfig struct {
	// Enabled makes ApplyDefaults fill in the settings below.
	// Default: false.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// KeytabPath is the path to the Kerberos keytab file.
	KeytabPath string `mapstructure:"keytab_path" yaml:"keytab_path,omitempty"`

	// ServicePrincipal is the Kerberos service principal name (SPN).
	// Format: service/hostname@REALM
	ServicePrincipal string `mapstructure:"service_principal" yaml:"service_principal,omitempty"`

	// Krb5Conf is the path to the Kerberos configuration file.
	Krb5Conf string `mapstructure:"krb5_conf" yaml:"krb5_conf,omitempty"`

	// MaxClockSkew is the maximum allowed clock difference between
	// client and server.
	MaxClockSkew time.Duration `mapstructure:"max_clock_skew" yaml:"max_clock_skew,omitempty"`

	// ContextTTL is the maximum lifetime of an RPCSEC_GSS security context.
	ContextTTL time.Duration `mapstructure:"context_ttl" yaml:"context_ttl,omitempty"`

	// MaxContexts is the maximum number of concurrent RPCSEC_GSS contexts.
	MaxContexts int `mapstructure:"max_contexts" validate:"omitempty,min=1" yaml:"max_contexts,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (NFSD_*)
//  2. Configuration file
//  3. Default values
//
// Environment variables override only keys the configuration file sets.
// When no configuration file is found, Load returns GetDefaultConfig()
// and the environment is not consulted.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
// It checks if the config file exists and provides user-friendly
// instructions if not.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  nfsd init\n\n"+
				"Or specify a custom config file:\n"+
				"  nfsd <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  nfsd init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: config files may carry the admin bearer token and Kerberos
	// keytab path.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("NFSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook returns a mapstructure decode hook that converts
// strings to time.Duration. This enables config files to use
// human-readable durations like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to
// the current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "nfsd")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "nfsd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the init command).
func GetConfigDir() string {
	return getConfigDir()
}
