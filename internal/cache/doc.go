// Package cache defines the versioned response store behind the agent. A
// Backend holds any number of named generations; each Generation maps a
// request identity (GET + absolute URL) to an immutable Snapshot of the
// response (status, headers, body). Two drivers are provided: a goleveldb
// backend that keeps every generation in one database under key prefixes, and
// a filesystem backend that keeps one directory per generation and writes
// snapshots with temp file + rename. Namespace scopes enumeration and deletion
// to the generations owned by one application prefix so foreign generations
// sharing the same backend are never touched.
package cache
