// Package compaction shrinks a set of context segments to fit a token
// target.
//
// [Engine.CompactLevels] escalates cumulatively through the levels
// none, light, moderate, aggressive and critical, stopping as soon as the
// segments fit or the caller's floor is reached. Named strategies
// ([StrategyPriorityBased], [StrategySummarizeOldest], [StrategyTruncateAt])
// apply a single rule. Every strategy is monotonic: no pass ever raises the
// total token estimate, and Critical content is never dropped.
//
// Strategies are identified by versioned IDs so a compaction recorded in
// the event log can be reproduced from its parameters.
package compaction
