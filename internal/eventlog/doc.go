// Package eventlog defines the append-only events every frame mutation is
// recorded as.
//
// An [Event] carries a typed payload encoded with deterministic CBOR (see
// package codec). Payloads are snapshots of the state the mutation
// produced, so the store can replay a log into an empty database and arrive
// at identical tables. The write-ahead order is: append the event, then
// apply it with the same projection code replay uses.
//
// Archives ([ArchiveWriter], [ArchiveReader]) stream events as a
// compressed CBOR sequence for export and audit.
package eventlog
