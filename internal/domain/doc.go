// Package domain contains the core entities of the generation engine: the
// accepted Request, its status record and lifecycle state machine, and the
// normalized Response produced by a backend provider. It is independent of
// any specific storage or transport.
package domain
