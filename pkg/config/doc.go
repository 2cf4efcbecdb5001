// Package config loads the agent's TOML configuration file.
//
// Every section is optional; missing keys keep the values from Default:
//
//	[agent]
//	spec = "/etc/remoteman/remote_spec.yaml"
//	interval = "60s"
//	schedule = "@every 5m"
//	parallelism = 4
//	fetch_timeout = "30s"
//	handler_directory = "/etc/remoteman/handlers"
//	policy_dir = "/etc/remoteman/policies"
//
//	[logging]
//	level = "info"
//	format = "json"
//
//	[metrics]
//	listen_address = "127.0.0.1:9465"
//
//	[history]
//	enabled = true
//	path = "/var/lib/remoteman/history.db"
//	retain = 500
//
//	[redis]
//	enabled = true
//	addr = "redis.internal:6379"
//
//	[sftp]
//	enabled = true
//	user = "deploy"
//	private_key = "/etc/remoteman/id_ed25519"
//
// Unknown keys are rejected so typos surface at startup.
package config
