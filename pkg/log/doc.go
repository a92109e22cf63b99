// Package log defines the ordered action log the server appends to, plus
// two implementations: an in-memory store for tests and single-process
// deployments, and a SQLite-backed store for durability.
//
// The log is the source of truth for replay. Retention is reason-counted:
// an action stays in the log while at least one reason string is attached
// to it; clearing the last reason makes it collectable.
package log
