// Package event provides a synchronous pub-sub bus for observing the frame
// index without touching its storage.
//
// # Main Types
//
//   - [Event]: Interface that all events implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous dispatcher, safe for concurrent use
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Event Categories
//
// Committed log events:
//   - [CommittedEvent]: Published after a log entry (frame.pushed, frame.popped,
//     actor.resumed, ...) has been applied to storage
//
// Notifications (not persisted):
//   - [PackAssembledEvent]: A context pack was assembled
//   - [UsageWarningEvent]: A frame crossed the usage warning ratio
//
// # Ordering
//
// Handlers run synchronously on the publishing goroutine. Handlers for the
// event's type run before wildcard and scope handlers
// ([Bus.SubscribeScope] delivers only events of one frame tree). A handler that panics is logged and the
// remaining handlers still run.
//
// # Basic Usage
//
//	bus := event.NewBus(event.WithLogger(logger))
//	bus.Subscribe("frame.popped", func(e event.Event) {
//	    ce := e.(event.CommittedEvent)
//	    fmt.Println("popped", ce.FrameID, ce.Status)
//	})
package event
