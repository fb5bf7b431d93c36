// Package store keeps the history of batch runs in SQLite.
//
// The runs table holds one row per run with its counters and top errors;
// outcomes holds one row per task, keyed by (run_id, seq) and deleted with
// its run. A run and its outcomes are written in one transaction, so a run
// is either fully recorded or absent, and recording the same run ID twice
// is a no-op.
//
// Every connection runs in WAL mode with synchronous=NORMAL, a 5s busy
// timeout and foreign keys enforced. Schema changes after the base layout
// in schema.sql are numbered migrations tracked in PRAGMA user_version.
package store
