// Package config loads the daemon configuration from a YAML file and fills
// in defaults for anything left empty.
package config
