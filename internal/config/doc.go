// Package config handles configuration loading for turnstream.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by file extension) with
// environment variable expansion. Fields missing from the file keep the
// values from Default.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TURNSTREAM_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/turnstream/config.yaml
//
// With no file the server runs on Default plus environment overrides.
//
// # Environment Variables
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${TURNSTREAM_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// TURNSTREAM_DB_DSN and TURNSTREAM_JWT_SECRET override the file.
// OPENAI_API_KEY fills generation.openai.api_key when the file leaves it empty.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	persistence:
//	  save_timeout: "5s"
//	dedupe:
//	  ttl: "10m"
//
// # Configuration Sections
//
// Server and database:
//
//	server:
//	  http_addr: ":8000"
//	  allowed_origins: ["https://app.example.com"]
//	database:
//	  driver: "pgx"          # sqlite, sqlite3, pgx, postgres
//	  dsn: "${TURNSTREAM_DB_DSN}"
//	  max_open_conns: 20
//
// Generation:
//
//	generation:
//	  provider: "openai"     # echo, openai
//	  queue_size: 64
//	  min_chunk_chars: 1
//	  openai:
//	    model: "gpt-4o"
//	    base_url: ""         # any OpenAI-compatible endpoint
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "turnstream"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - JWT secret minimum length (32 bytes) when a secret is set
//   - Database driver and provider names
//   - Duration format validity
//   - Logging level and format values
package config
