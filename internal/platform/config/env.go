// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every variable this module reads.
const EnvPrefix = "OFFLINESYNC_"

// ParseEnvScoped loads configuration whose env tags omit the shared prefix,
// optionally narrowed further by scope (for example "SYNC" reads
// OFFLINESYNC_SYNC_<TAG>).
func ParseEnvScoped(target any, scope string) error {
	prefix := EnvPrefix
	if scope = strings.Trim(strings.ToUpper(strings.TrimSpace(scope)), "_"); scope != "" {
		prefix += scope + "_"
	}
	if err := env.ParseWithOptions(target, env.Options{Prefix: prefix}); err != nil {
		return fmt.Errorf("parse env %s*: %w", prefix, err)
	}
	return nil
}
