// Package openai implements generation.Provider for any endpoint speaking the
// OpenAI chat completions protocol, using the go-openai client with a
// configurable base URL.
package openai
