// Package quota reacts to storage-capacity failures.
//
// Guard wraps a store.Backend. When a write is rejected for lack of space it
// evicts oversized records unrelated to the active session and retries the
// write once. If the retry also fails the write is reported as a
// DegradedError: callers keep their in-memory state and warn the user that the
// session is not durably saved.
//
// CompressSaveData and Pressure are the proactive half of the policy, used
// before writing to a backend known to be small.
package quota
