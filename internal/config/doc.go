// Package config loads, validates, and defaults clipfit's TOML configuration.
package config
