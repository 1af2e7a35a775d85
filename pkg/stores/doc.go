// Package stores persists engine state documents.
//
// A StateProvider reads and writes named byte documents. Backends:
//
//   - MemoryStateProvider for tests and dry runs
//   - LocalStateProvider, one file per document with a pid/time lock file and fsnotify watching
//   - SQLiteStore, documents plus transaction runs and their events, migrated with golang-migrate
//   - S3StateProvider, objects under a prefix with an optional DynamoDB lock
//   - SFTPStateProvider, files on a remote host over SSH
//
// EncryptedStateProvider wraps any of them with AES-256-GCM using an argon2id key.
// Open builds a provider from Config.
package stores
