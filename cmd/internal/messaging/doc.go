// Package messaging owns conversations and the message log.
//
// Service.Send is the single ingestion path: it validates the sender against
// the conversation's participants, appends through a Store (the ordering
// truth), and fans the committed message out through a Fanout while holding a
// per-conversation sequencer, so publish order equals commit order.
//
// Stores: in-memory (dev and tests), PostgreSQL (pgx) and SQLite (modernc).
package messaging
