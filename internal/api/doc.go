// Package api exposes the generation request queue over HTTP. It decodes and
// validates submissions, translates manager errors into status codes with
// safe messages, and serves the status, result, queue and health surfaces.
package api
