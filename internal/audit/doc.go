// Package audit implements the hash-chained, HMAC-signed audit log and the
// asynchronous fan-out of persisted entries.
//
// # Components
//
//   - [Entry]: one signed record: id, user, action, timestamp, sequence, previous hash.
//   - [Signer]: signs entries, verifies single entries and whole chains.
//   - [Walker]: incremental chain verification for paged reads.
//   - [Sink] / [Dispatcher]: buffered relay of persisted entries to consumers.
//
// # Chain format
//
// Each user owns one chain. The first entry carries sequence 1 and
// [GenesisHash]; entry n+1 carries EntryHash(entry n). The signature is
// HMAC-SHA256 over [Canonical], which already covers the previous hash and
// sequence, so editing, deleting or reordering any entry breaks either a
// signature or a link.
//
// # What this package must NOT do
//
//   - Persist entries. Storage belongs to the caller's AuditStore.
//   - Repair a broken chain. Verification only reports.
//   - Import goMFA or any sibling internal package.
package audit
