// Package config loads, normalizes, and validates vectorflow configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// VECTORFLOW_AMQP_URL. The Config type centralizes every knob the daemon and
// CLI need so transport, compute, and storage endpoints are discovered in one
// pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
