// Package netbridge hosts a sandboxed WebAssembly network client and gives it
// real network connections, timers, clocks, randomness and logging.
//
// The guest is a core wasm module that implements a peer-to-peer client and
// exposes JSON-RPC per chain. It cannot reach the network itself; every
// connection is opened, driven and torn down by the host on its behalf.
//
// # Architecture Overview
//
//	netbridge/
//	├── bridge/       Guest lifecycle, host imports, guest exports, public API
//	├── scheduler/    Single-threaded, rate-limited execution loop
//	├── mux/          Connection table, lifecycle state machine, send credit
//	├── transport/    TCP, WebSocket and WebRTC adapters
//	├── address/      Connection address wire format and transport policy
//	├── buffer/       Indexed buffers for host-to-guest data
//	├── config/       YAML configuration
//	├── errors/       Structured error types
//	└── cmd/netbridge Command-line runner with an interactive console
//
// Adapters run their own goroutines but never touch the guest. They post
// events to the scheduler, which applies them to the connection table and
// calls the guest one at a time on the loop goroutine.
//
// # Quick Start
//
//	b, err := bridge.New(ctx, wasm, bridge.Config{
//		Logger:       logger,
//		LogLevel:     3,
//		CPURateLimit: 0.5,
//		OnEvent:      onEvent,
//	})
//	if err != nil {
//		return err
//	}
//	defer b.Close(ctx)
//
//	go b.Run(ctx)
//
//	chain, err := b.AddChain(ctx, bridge.ChainConfig{Spec: spec})
//	err = b.JSONRPCSend(ctx, chain, `{"jsonrpc":"2.0","id":1,"method":"system_health","params":[]}`)
//
// Responses are announced with bridge.EventJSONRPCResponses and read with
// Bridge.NextJSONRPCResponse.
package netbridge
