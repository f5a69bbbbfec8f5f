// Package config loads and validates application configuration from an
// optional config file and environment variables. All queue tuning
// parameters (worker counts, lease durations, backoff constants) live
// here rather than in code: they are deployment knobs, not part of the
// structural contract.
package config
