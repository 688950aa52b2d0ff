// Package state persists RunState between runs: a JSON primary file written
// atomically, timestamped backups used for corruption recovery, migration of
// the legacy flat link map, and a lock file that makes each run the single
// writer. Locks left by crashed runs are reclaimed once stale.
package state
