// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"time"
)

// ParseString reads a string from an environment variable or returns the
// default value when unset or empty.
func ParseString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// ParseInt reads an integer from an environment variable or returns the
// default value when unset or unparsable.
func ParseInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ParseBool reads a boolean from an environment variable or returns the
// default value when unset or unparsable.
func ParseBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ParseDuration reads a duration from an environment variable or returns the
// default value when unset or unparsable.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
