// Package config handles configuration loading for the aura chat client.
//
// # Overview
//
// Configuration is loaded from YAML (default) or TOML (.toml extension) files
// with environment variable expansion. Omitted timings fall back to defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path passed with -config
//  2. Path from AURA_CONFIG environment variable
//  3. ./aura.yaml (current directory)
//  4. ~/.config/aura/config.yaml
//
// # Configuration Sections
//
//	api:
//	  base_url: "http://localhost:4000/api"
//	  request_timeout: "15s"         # optional, 0 = none
//
//	realtime:
//	  url: "ws://localhost:4000/ws"
//	  reconnect_initial: "1s"
//	  reconnect_max: "30s"
//	  ping_interval: "30s"
//	  write_timeout: "10s"
//	  dedupe_ttl: "5m"
//	  dedupe_size: 10000
//
//	session:
//	  path: "${HOME}/.config/aura/session.json"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	path, err := config.Locate(*configFlag)
//	cfg, err := config.Load(path)
package config
