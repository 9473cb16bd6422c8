package namespace

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the on-disk TTL override document:
//
//	namespaces:
//	  dashboard:
//	    ttl: 12h
//	  wallet:
//	    ttl: 30m
type PolicyFile struct {
	Namespaces map[string]NamespaceOverride `yaml:"namespaces"`
}

// NamespaceOverride carries the tunable fields for one namespace.
type NamespaceOverride struct {
	// TTL uses Go duration syntax; "0" or "none" disables expiry.
	TTL string `yaml:"ttl"`
}

// LoadPolicyFile reads path and applies its overrides on top of the defaults.
func LoadPolicyFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy applies a YAML policy document on top of the defaults.
func ParsePolicy(data []byte) (*Registry, error) {
	var doc PolicyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}

	reg := DefaultRegistry()
	for raw, override := range doc.Namespaces {
		ns, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		ttl, err := parseTTL(override.TTL)
		if err != nil {
			return nil, fmt.Errorf("namespace %q: %w", raw, err)
		}
		reg, err = reg.WithTTL(ns, ttl)
		if err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func parseTTL(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "", "0", "none":
		return 0, nil
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse ttl %q: %w", raw, err)
	}
	if ttl < 0 {
		return 0, fmt.Errorf("ttl %q must not be negative", raw)
	}
	return ttl, nil
}
