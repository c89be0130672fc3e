package courier

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetenvOrDefault returns the trimmed value of key, or fallback when unset or blank.
func GetenvOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	return value
}

// GetenvIntOrDefault parses key as an int, returning fallback on absence or parse failure.
func GetenvIntOrDefault(key string, fallback int) int {
	value, err := strconv.Atoi(GetenvOrDefault(key, ""))
	if err != nil {
		return fallback
	}

	return value
}

// GetenvBoolOrDefault parses key with strconv.ParseBool.
func GetenvBoolOrDefault(key string, fallback bool) bool {
	value, err := strconv.ParseBool(GetenvOrDefault(key, ""))
	if err != nil {
		return fallback
	}

	return value
}

// GetenvDurationOrDefault parses key with time.ParseDuration.
func GetenvDurationOrDefault(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(GetenvOrDefault(key, ""))
	if err != nil {
		return fallback
	}

	return value
}
