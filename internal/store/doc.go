// Package store is the durable SQLite backing of the frame index.
//
// Four tables hold the state: frames, suspended_frames, events and meta.
// The events table is the write-ahead log. Commit appends each mutation
// there and applies it to the other tables with the projection in
// project.go, inside one immediate transaction, so log order and apply
// order agree across scopes. The projection also advances
// meta.applied_seq. Open replays any logged events past applied_seq, and
// Rebuild replays an exported log into an empty database with the same
// projection code.
//
// Store does not validate mutations. Callers (package index) check every
// precondition under their per-scope lock before calling Commit.
package store
