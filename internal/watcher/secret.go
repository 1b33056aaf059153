package watcher

import (
	"fmt"
	"os"
	"strings"
)

// Secret resolves to a literal string from at most one of three sources.
// It is the YAML shape operators use for tokens, webhook secrets, and
// bot credentials so that plaintext never needs to live in the config
// file itself.
type Secret struct {
	// Value is used verbatim when set.
	Value string `yaml:"value,omitempty"`
	// Env names an environment variable to read.
	Env string `yaml:"env,omitempty"`
	// File names a path whose trimmed contents are the secret.
	File string `yaml:"file,omitempty"`
}

// Empty reports whether none of the three sources is configured.
func (s Secret) Empty() bool {
	return s.Value == "" && s.Env == "" && s.File == ""
}

// Resolve returns the secret's literal value. At most one of
// {Value, Env, File} may be set; configuring more than one is a
// config error caught here rather than silently preferring one. With
// none set, Resolve returns an empty string and no error.
func (s Secret) Resolve() (string, error) {
	set := 0
	if s.Value != "" {
		set++
	}
	if s.Env != "" {
		set++
	}
	if s.File != "" {
		set++
	}
	if set > 1 {
		return "", fmt.Errorf("secret: at most one of value/env/file may be set, got %d", set)
	}

	switch {
	case s.Value != "":
		return s.Value, nil
	case s.Env != "":
		v, ok := os.LookupEnv(s.Env)
		if !ok {
			return "", fmt.Errorf("secret: environment variable %q is not set", s.Env)
		}
		return v, nil
	case s.File != "":
		b, err := os.ReadFile(s.File)
		if err != nil {
			return "", fmt.Errorf("secret: read file %q: %w", s.File, err)
		}
		return strings.TrimSpace(string(b)), nil
	default:
		return "", nil
	}
}
