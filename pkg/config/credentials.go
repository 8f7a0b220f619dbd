package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Credential reference prefixes. Values stored on platform accounts must be
// symbolic references; inline literals are rejected at resolution time.
const (
	envRefPrefix    = "env:"
	secretRefPrefix = "secret:"
)

// Credential resolution failures, wrapped by the connector layer into its
// normalized error codes.
var (
	ErrCredentialPlaintext = errors.New("credential value is an inline literal, not an env:/secret: reference")
	ErrCredentialMissing   = errors.New("credential reference does not resolve")
)

// IsCredentialRef reports whether value is a symbolic credential reference.
func IsCredentialRef(value string) bool {
	return strings.HasPrefix(value, envRefPrefix) || strings.HasPrefix(value, secretRefPrefix)
}

// ResolveCredential resolves an env:/secret: reference to its value.
func ResolveCredential(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, envRefPrefix):
		name := strings.TrimPrefix(ref, envRefPrefix)
		if value := os.Getenv(name); value != "" {
			return value, nil
		}
		return "", fmt.Errorf("env reference %q: %w", name, ErrCredentialMissing)

	case strings.HasPrefix(ref, secretRefPrefix):
		name := strings.TrimPrefix(ref, secretRefPrefix)
		value, err := GetSecret(name)
		if err != nil {
			return "", fmt.Errorf("secret reference %q: %w", name, ErrCredentialMissing)
		}
		return value, nil

	default:
		return "", ErrCredentialPlaintext
	}
}

// ResolveCredentialSet resolves every declared key for a platform account.
// requiredKeys comes from the platform catalog; refs holds the account's
// symbolic references keyed by credential name.
func ResolveCredentialSet(requiredKeys []string, refs map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(requiredKeys))
	for _, key := range requiredKeys {
		ref, ok := refs[key]
		if !ok || ref == "" {
			return nil, fmt.Errorf("credential key %q not declared: %w", key, ErrCredentialMissing)
		}
		value, err := ResolveCredential(ref)
		if err != nil {
			return nil, fmt.Errorf("credential key %q: %w", key, err)
		}
		resolved[key] = value
	}
	return resolved, nil
}
