package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateDefaultConfig(t *testing.T) {
	require.NoError(t, Validate(GetDefaultConfig()))
}

func TestValidateInvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"
	err := Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "oneof")
}

func TestValidateInvalidPort(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.NFSPort = 70000
	err := Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "max")
}

func TestValidateExportWithUnknownMount(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Exports = append(cfg.Exports, ExportConfig{Name: "orphan", LogicalPath: "nowhere"})
	err := Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "orphan")
}

func TestValidateRejectsUnknownBackendModule(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Mounts = append(cfg.Mounts, MountConfig{ExportName: "x", BackendModule: "zfs"})
	err := Validate(cfg)
	require.Error(t, err)
}
