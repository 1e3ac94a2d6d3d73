// Package store provides SQLite-backed durable storage for platform state.
//
// The store holds:
//   - Trusted keys: drive keys the user has allowed to run
//   - Encryption keys: named secrets and which drive uses which
//   - Preferences: a JSON key/value table
//   - Applings: OS-level shortcuts, one per path, pointing at a drive key
//
// Connections run in WAL mode with synchronous=NORMAL, a five second busy
// timeout and foreign keys enforced. Migrations are keyed on user_version.
//
// Preference values are stored as RFC 8785 canonical JSON so equal values
// compare equal as text. Writes are idempotent (ON CONFLICT clauses);
// ordering uses an explicit seq column, never timestamps.
package store
