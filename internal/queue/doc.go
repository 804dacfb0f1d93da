// Package queue implements the durable three-tier priority queue on Redis.
//
// Each tier is a Redis list (<prefix>:queue:high, :normal, :low). Producers
// LPUSH and consumers pop from the tail, so each tier is FIFO. A pop checks the
// tiers in HIGH, NORMAL, LOW order inside a single Lua script (or a single
// BRPOP over the three keys), so an entry is handed to at most one consumer
// without any in-process locking. Entries exhausted by retries are kept on a
// capped dead-letter list (<prefix>:deadletter) for inspection.
package queue
