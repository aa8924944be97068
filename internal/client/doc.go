// Package client is the application-facing keeper client.
//
// A Client owns one logical connection. Its namespace operations (Exists,
// Mkdir, Mkdirs, MakePath, Clean and the plain Create/Delete/Get/Set/
// Children calls) run under a retry executor that retries connection loss
// for a bounded budget and surfaces every other failure at once. Session
// expiry is never retried; the client establishes a new session on its own,
// and the next call runs on it.
//
// Watches are one-shot. Handlers run on dispatcher goroutines, concurrently
// across paths and in order within a path, and may re-register from inside
// their own invocation:
//
//	var h client.Handler
//	h = client.HandlerFunc(func(ev client.Event) {
//		process(ev)
//		_ = c.Watch(ctx, ev.Path, h)
//	})
//	err := c.Watch(ctx, "/collections", h)
//
// Watches registered before a session expired never fire. After a plain
// reconnect to the same session the client re-installs its outstanding
// watches on the server.
package client
