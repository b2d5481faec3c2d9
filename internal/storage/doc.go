// Package storage is the key/value persistence behind the store_* native functions.
//
// Drivers:
//   - file: snapshot + append-only journal, compacted periodically
//   - sqlite: single-table database through modernc.org/sqlite
//
// Values are opaque bytes (the natives store JSON). Entries may carry an expiry.
package storage
