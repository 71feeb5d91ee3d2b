// Package config loads service configuration from the environment.
//
// All variables use the FEDSSO_ prefix and every setting has a default
// suitable for local development except FEDSSO_POSTGRES_URL, which is
// required. Durations use Go's duration syntax (e.g. "30s", "8h") and
// replica URL lists are comma-separated.
package config
