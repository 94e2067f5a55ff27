// Package config handles configuration loading for keygate.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from KEYGATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/keygate/keygate.yaml
//  3. ~/.config/keygate/keygate.yaml
//
// Files ending in .toml are decoded as TOML; anything else as YAML. Both
// formats use the same keys. Values not present in the file keep the
// defaults from Default.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  session_secret: "${KEYGATE_SESSION_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax and must be positive:
//
//	auth:
//	  ban_duration: "24h"
//	  subject_cooldown: "15m"
//	  store_timeout: "3s"
//
// # Validation
//
// Load validates and reports the first failure:
//
//   - session secret minimum length (32 bytes)
//   - store backend and its connection settings
//   - SMTP sender when a relay is set
//   - complete Matrix settings when alerts are enabled
//
// See Sample for a commented starter file.
package config
