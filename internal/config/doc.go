// Package config loads the orchestrator configuration from a JSON or YAML
// file and fills in defaults for every knob the daemon and CLI need.
package config
