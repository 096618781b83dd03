// Package mux is the host-side connection table.
//
// It assigns connection ids, forwards guest requests to transport adapters,
// and turns transport events into guest notifications. Every method must be
// called from the bridge loop goroutine; adapters reach Dispatch only through
// the Sink the bridge provides.
//
// Lifecycle per connection and per substream:
//
//	opening -> open -> closed
//
// Records are deleted when they close, so late transport events for a dead id
// are dropped and every connection is reported reset at most once. A reset
// requested by the guest produces no notification at all.
package mux
