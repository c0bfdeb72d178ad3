// Package local is the on-device half of the sync system: a SQLite-backed
// record store and the change queue that feeds uploads.
//
// Every local write (Put, Delete) updates the record and appends a
// ChangeEntry in the same transaction, so either both land or neither does.
// Queue entries are ordered by an AUTOINCREMENT sequence and are only ever
// marked acknowledged, never reordered; acknowledged entries remain as
// history until Compact prunes them.
//
// Records carry an xxhash checksum over their content. A mismatch on read
// is reported as ErrCorrupt and the store does not try to repair it.
//
// Writes to the same record id are serialized with a per-id lock so a UI
// write and a reconciliation pass can not interleave their read-modify-write
// cycles.
package local
