// Package config loads the sync daemon configuration from YAML.
//
// Values may reference environment variables as ${VAR}; they are expanded
// before parsing so secrets such as the session token and the audit database
// password can stay out of the file.
package config
