// Package transport turns real network primitives into the abstract
// connection vocabulary used by the multiplexer.
//
// Three adapters exist:
//
//   - TCP (stream socket): a persistent byte stream, write-closable.
//   - WebSocket (message socket): framed binary messages, ws or wss.
//   - WebRTC (multi-stream): a peer connection whose data channels are
//     substreams; the connection itself carries no data.
//
// Adapters never call into the guest. Every asynchronous occurrence (opened,
// data, writable capacity, reset) is reported as an Event through a Sink,
// which the bridge serializes onto its single loop goroutine. Once Close has
// been called on an adapter no further events are posted for it.
package transport
