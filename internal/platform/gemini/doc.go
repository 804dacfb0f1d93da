// Package gemini provides an implementation of the generation.Provider
// interface that uses Google's Gemini API.
//
// This package is an infrastructure adapter in the hexagonal architecture,
// connecting the engine's worker pool to Google's external Gemini service.
// It translates between domain.Request / domain.Response and the genai client
// types without exposing the details of the external service to the core.
//
// Key components:
//
// 1. Provider:
//   - Implements the generation.Provider interface
//   - Builds the genai content and generation config from a request
//   - Normalizes text, finish reason and usage metadata into domain.Response
//
// 2. Model catalog:
//   - Context window, output limit and per-million-token prices per model
//   - Overridable from the pricing file
//
// 3. Error handling:
//   - Maps genai API error codes through generation.NewStatusError
//   - Reports safety blocks as validation errors so they are never retried
//
// Retries are not performed here; the worker pool owns the retry policy.
package gemini
