// Package config handles configuration loading for switchboard.
//
// # Configuration File
//
// The path comes from the SWITCHBOARD_CONFIG environment variable, falling
// back to ~/.config/switchboard/config.yaml. Files ending in .toml are parsed
// as TOML; anything else is YAML. Without a file, FromEnv builds the
// configuration from defaults and the environment alone.
//
// # Environment Variables
//
// Values can reference environment variables, expanded before parsing:
//
//	auth:
//	  jwt_secret: "${SWITCHBOARD_JWT_SECRET}"
//
// After parsing, SWITCHBOARD_* variables override individual fields (for
// example SWITCHBOARD_HTTP_ADDR or SWITCHBOARD_SHARED_BOT_TOKEN).
//
// # Duration Parsing
//
// Durations use Go's time.ParseDuration syntax:
//
//	browser:
//	  challenge_timeout: "3m"
//	  lock_retry_delay: "2s"
//	bot:
//	  poll_interval: "2s"
//	shared:
//	  link_code_ttl: "15m"
//
// # Sections
//
//	server:    http_addr, shutdown_timeout
//	database:  path
//	auth:      jwt_secret, issuer, seal_secret
//	browser:   enabled, binary, profile_dir, web_url, headless, fetch_concurrency,
//	           restore_on_start, challenge_timeout, lock_retry_delay, probe_interval
//	bot:       api_url, poll_interval, poll_timeout
//	shared:    enabled, bot_token, link_reply, dedupe_size, link_code_ttl, dedupe_ttl
//	logging:   level, format, file, max_size_mb, max_backups, max_age_days
//	metrics:   enabled, path
package config
