// Package bridge hosts a sandboxed wasm guest that implements a network
// client, and gives it the few primitives it cannot have on its own:
// sockets, timers, clocks, randomness and logging.
//
// The guest imports host functions from the "netbridge" module and exports a
// fixed set of entry points. Variable-length data flows host-to-guest through
// a buffer registry: the host fills numbered slots, calls an export that
// takes slot indices, and clears the slots when the call returns. The guest
// pulls slot contents into its memory with buffer_size and buffer_copy.
//
// All guest execution happens on the goroutine running Bridge.Run. Public
// methods may be called from any goroutine; they are forwarded to that loop.
//
// A guest that calls the panic import, traps, or violates the host contract
// is dead. The bridge reports EventCrashed once and every later call returns
// errors.ErrGuestDead without touching the instance.
package bridge
