// Package codec is the single CBOR configuration used for event payloads,
// handle and result columns, and audit archives.
//
// Encoding is deterministic (Core Deterministic Encoding) so a payload
// re-encoded during replay matches the bytes originally appended to the
// log. Callers import this package rather than fxamacker/cbor directly.
package codec
