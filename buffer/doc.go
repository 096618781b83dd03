// Package buffer implements the indexed byte-buffer table used to pass
// variable-length data from the host to the guest.
//
// The host fills one or more slots, calls a guest export that reads them via
// the buffer_size and buffer_copy imports, and clears the slots as soon as the
// call returns. Slots never outlive a single host-to-guest call.
//
// A Registry is owned by the bridge loop and is not safe for concurrent use.
package buffer
