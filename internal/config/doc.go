// Package config handles configuration loading for the dubhe hub.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults: the memory storage
// backend and the dedicated room policy apply when nothing else is set.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	matrix:
//	  access_token: "${DUBHE_MATRIX_TOKEN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to empty strings.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	delivery:
//	  retry_base: "200ms"
//	  send_timeout: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  api_base: "https://dubhe.example.com"  # advertised by discovery
//
// Storage backend (memory, sqlite, postgres, mysql):
//
//	storage:
//	  backend: "sqlite"
//	  sqlite_path: "/var/lib/dubhe/hub.db"
//
// Matrix channel:
//
//	matrix:
//	  enabled: true
//	  homeserver: "https://matrix.example.com"
//	  user_id: "@dubhe:example.com"
//	  access_token: "${DUBHE_MATRIX_TOKEN}"
//
// Room policy (dedicated: one room per agent; shared: one per owner):
//
//	rooms:
//	  policy: "dedicated"
//
// Delivery retries:
//
//	delivery:
//	  max_attempts: 4
//	  retry_base: "200ms"
//	  send_timeout: "30s"
//
// # Validation
//
// Parse() validates:
//
//   - server.http_addr presence
//   - storage.backend against the known kinds, plus the kind's parameter
//   - matrix credentials when matrix is enabled
//   - rooms.policy against the known policies
//   - Duration format validity
//
// # Usage
//
//	cfg, err := config.Load("/etc/dubhe/hub.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
