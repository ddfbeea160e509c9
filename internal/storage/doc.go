// Package storage persists the bot's durable state.
//
// A Store is a byte-oriented key/value backend partitioned by scope (one
// scope per deployment plus the "shared" scope), with an append-only audit
// log next to it. Persistence layers JSON encoding and the log-and-continue
// failure policy on top of a Store.
//
// Drivers: memory, file, sqlite, postgres, redis.
package storage
