// Package config defines application configuration loaded from the
// environment and optional config files, validated before use.
package config
