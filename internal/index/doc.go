// Package index is the caller-facing frame/context index.
//
// An [Index] owns a durable [store.Store], an injected [stackcache.Cache]
// and an in-process [event.Bus]. Every mutation runs under a per-scope lock
// and follows the same commit path:
//
//  1. validate the request against durable state
//  2. append the event to the log
//  3. apply it to the tables (package store)
//  4. refresh the scope's cached active stack
//  5. publish an event.CommittedEvent on the bus
//
// Reads do not take the scope lock. Recovery ([Index.ResumeActor]) always
// reads durable storage, never the cache.
//
// Typical actor loop:
//
//	ix, err := index.Open(ctx, cfg, logger)
//	rec, err := ix.ResumeActor(ctx, scope)      // on startup
//	id, err := ix.PushFrame(ctx, index.PushRequest{Scope: scope, Goal: "..."})
//	pack, err := ix.AssembleContextPack(ctx, assembler.Request{Scope: scope, BudgetTokens: 8000})
//	_, err = ix.AddContextHandle(ctx, id, handle)
//	err = ix.PopFrame(ctx, id, frame.StatusCompleted, index.PopOptions{})
package index
