// Package config handles configuration loading, parsing, and validation
// from environment variables (GENQ_ prefix) and an optional YAML file. It
// provides type-safe access to the settings of the queue, the workers, the
// retry policy and the providers while keeping configuration details
// separate from business logic.
package config
