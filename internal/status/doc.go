// Package status tracks the lifecycle record of every generation request.
//
// The Store interface exposes a single conditional write primitive,
// Transition, which applies one edge of the lifecycle state machine
// atomically per record. The claim of a dequeued request by a worker is a
// Transition from PENDING to PROCESSING, so at most one worker ever
// processes a request even if it was handed out twice.
//
// RedisStore keeps each record as JSON under <prefix>:status:<id> plus two
// sorted-set indexes: <prefix>:state:<STATE> scored by the update time and
// <prefix>:retry scored by the retry due time. The Postgres implementation
// lives in internal/platform/postgres.
package status
