// Package config handles configuration loading for mission-control.
//
// # Configuration File
//
// Lookup order:
//
//  1. Path from the MISSION_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/mission-control/config.yaml
//  3. ~/.config/mission-control/config.yaml
//
// Files ending in .toml are decoded as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}:
//
//	telnyx:
//	  api_key: "${TELNYX_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Duration values use time.ParseDuration syntax:
//
//	sms:
//	  claim_ttl: "5m"
//	  idle_flush: "3s"
//
// # Live Settings
//
// A few values can change at runtime from the dashboard's settings table:
// daily_cost_limit, telnyx_voice_enabled, telnyx_voice_greeting and
// sms_history_depth. Settings seeds them from the file, overrides them with
// stored rows at startup, and notifies listeners on every change.
package config
