// Package config loads relay-gateway configuration from YAML files.
//
// Environment variables in the form ${VAR_NAME} are expanded before parsing.
// Duration fields are written as Go duration strings ("2s", "5m") and parsed
// into time.Duration values. Missing policy fields fall back to the documented
// defaults (3 attempts, 2s initial backoff, 5 worker slots, 2m attempt timeout).
package config
