// Package generation defines the boundary between the engine and external
// AI/LLM vendors. A Provider adapts one vendor (Gemini, any OpenAI-compatible
// endpoint) to a uniform send/validate/estimate-cost interface, and a Registry
// resolves a request's declared provider and model to a concrete instance.
//
// Errors returned by providers are classified into a fixed set of kinds
// (validation, transient, auth, infrastructure) through an explicit mapping,
// which the worker pool uses to decide between retrying and failing.
package generation
