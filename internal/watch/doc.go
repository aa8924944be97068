// Package watch dispatches one-shot watch notifications to application
// handlers.
//
// # Model
//
// A registration is a (path, kind, handler) triple. The coordination
// service fires a watch at most once; the dispatcher mirrors that by
// removing a registration in the same critical section that schedules its
// handler, so every registration is invoked at most once and, if its event
// arrives, exactly once.
//
// # Concurrency
//
//	events ──▶ Dispatch ──▶ lane("/a") ──▶ handler, handler, ...
//	                   └──▶ lane("/b") ──▶ handler
//
// Each path with pending work owns a lane goroutine. Lanes run in
// parallel, bounded only by WithMaxConcurrent when set, so a handler that
// blocks (for example on a barrier shared with handlers of other paths)
// does not stall unrelated paths. Within a lane, handlers run in the order
// their events were dispatched.
//
// A handler that wants to keep observing its path registers again before
// returning. Because the dispatcher lock is only held for bookkeeping, the
// re-registration cannot deadlock, and the next event for the path queues
// behind the running handler instead of being lost.
package watch
