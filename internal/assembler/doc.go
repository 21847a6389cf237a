// Package assembler builds bounded context packs.
//
// A pack is laid out in a fixed order: a brief of the target frame, one
// breadcrumb per ancestor (root first), then the frame's context handles
// materialized as segments. The brief and breadcrumbs take fixed token
// slices and are never compacted. Segments are ranked by priority score,
// ties broken by handle ID. Critical handles and those named in
// QueryHints.IncludeHandles are pinned and always selected. The rest are
// added in rank order until the next would exceed the segment headroom.
// When the pack still exceeds its budget the compaction engine escalates
// through its levels, no further than the caller's MinCompaction floor.
//
// Assembly never fails because a source cannot be read: the segment gets a
// placeholder and a warning is logged.
package assembler
