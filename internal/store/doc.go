// Package store provides the persistence backends of the session store.
//
// A Backend is durable key/record storage organized in collections, with
// atomic multi-record transactions and a quota failure mode:
//   - steps:   one record per ledger position (zero-padded key)
//   - session: the session pointer record
//   - blobs:   image payloads, owned by exactly one step
//   - slots:   serialized save documents written by autosave
//
// Any other collection is unrelated to the active session; the quota guard
// may evict it under pressure.
//
// # Transactions
//
// Update(fn) commits every write issued by fn together or not at all. A
// commit that would grow the store beyond its capacity is rejected with a
// QUOTA_EXCEEDED error and leaves the store untouched. View(fn) never sees a
// partial commit.
//
// # Implementations
//
//   - SQLite (Open): single-file database, WAL mode, single writer connection,
//     embedded schema with PRAGMA user_version migrations.
//   - Memory (NewMemory): in-process fake with the same semantics, used by
//     tests and ephemeral sessions.
//   - Redis (OpenRedis): hash per collection with optimistic WATCH/MULTI
//     commits; concurrent writers surface TRANSACTION_CONFLICT.
//
// # Errors
//
// Failures are *Error values carrying a code (NOT_FOUND, QUOTA_EXCEEDED,
// TRANSACTION_CONFLICT). Match them with errors.Is against ErrNotFound,
// ErrQuotaExceeded and ErrConflict, or with IsNotFound/IsQuotaError/IsConflict.
package store
