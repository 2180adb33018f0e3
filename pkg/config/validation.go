package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks cfg's `validate` struct tags and the cross-field
// invariants tags alone can't express: every export must reference a
// configured mount.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	mounts := make(map[string]bool, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts[m.ExportName] = true
	}
	for _, e := range cfg.Exports {
		if !mounts[e.LogicalPath] {
			return fmt.Errorf("export %q references unknown mount %q", e.Name, e.LogicalPath)
		}
	}

	return nil
}
