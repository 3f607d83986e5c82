// Package config loads and validates Loom's TOML configuration.
//
// Configuration is loaded once at startup and injected into constructors;
// nothing in the engine reads configuration ambiently.
package config
