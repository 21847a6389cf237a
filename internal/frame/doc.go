// Package frame defines the frame tree data model: frames, their context
// handles and result references, statuses, and suspension tokens.
//
// Frames form a strict tree per scope. Depth increases by exactly one per
// level and a frame is never deleted; completed and failed frames stay in
// storage for audit and replay.
package frame
