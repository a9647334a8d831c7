// Package store provides the persistence contracts the delivery pipeline
// consumes, plus a SQLite implementation.
//
// The pipeline only touches persistence through three narrow interfaces:
//
//   - AgentDirectory: read agent configuration
//   - MessageStore: persist messages and status transitions (best-effort)
//   - ConversationStore: find/create conversations keyed by contact identity
//
// SQLiteStore implements all three in a single struct. The job queue shares
// the same database file via SQLiteStore.DB().
//
// Use NewMockStore() for unit tests and NewSQLiteStore(":memory:") for
// integration tests with real SQLite.
package store
