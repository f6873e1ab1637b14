// Package jobstore persists analysis jobs and their artifacts in a
// per-source SQLite database.
//
// Each sample source root gets its own database under <root>/.cratedig/.
// The Store manages connections, schema initialization, job claiming and
// lifecycle transitions, heartbeat tracking, stale-job recovery, sample
// bookkeeping, and the content-hash artifact caches that let identical
// audio skip recomputation.
//
// Claims run inside IMMEDIATE transactions so concurrent workers never
// hand out the same pending job twice. Schema changes bump the version in
// schema.go; databases with an older version are rejected at open.
package jobstore
