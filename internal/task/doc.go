// Package task manages background generation work: submission, dispatch to
// a bounded pool of workers, retries with backoff, per-provider circuit
// breaking and rate limiting, and the background sweeps that keep the status
// store consistent with the queue after crashes.
//
// The Manager is the submission API. The WorkerPool owns the workers, the
// breakers and the limiters. Both share one Queue and one status.Store, and
// every state change goes through the store's conditional transition.
package task
