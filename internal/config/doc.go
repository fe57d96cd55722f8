// Package config loads the engine's YAML startup configuration and
// applies environment-variable overrides, via a
// Configuration/LoadFromFile/SaveToFile/Validate surface.
package config
