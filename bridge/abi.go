package bridge

import (
	"github.com/tetratelabs/wazero/api"
)

// HostModule is the import module name the guest links against.
const HostModule = "netbridge"

// Buffer slot indices used by host-to-guest calls.
const (
	slotPrimary   uint32 = 0
	slotSecondary uint32 = 1
	slotRelays    uint32 = 2
)

// MaxRandomChunk is the largest single read from the randomness source.
const MaxRandomChunk = 65536

// Guest exports.
const (
	exportMemory                     = "memory"
	exportInit                       = "init"
	exportAdvanceExecution           = "advance_execution"
	exportAddChain                   = "add_chain"
	exportRemoveChain                = "remove_chain"
	exportChainIsOK                  = "chain_is_ok"
	exportChainErrorLen              = "chain_error_len"
	exportChainErrorPtr              = "chain_error_ptr"
	exportJSONRPCSend                = "json_rpc_send"
	exportJSONRPCResponsesPeek       = "json_rpc_responses_peek"
	exportJSONRPCResponsesPop        = "json_rpc_responses_pop"
	exportTimerFinished              = "timer_finished"
	exportConnectionOpenSingleStream = "connection_open_single_stream"
	exportConnectionOpenMultiStream  = "connection_open_multi_stream"
	exportConnectionReset            = "connection_reset"
	exportStreamWritableBytes        = "stream_writable_bytes"
	exportStreamMessage              = "stream_message"
	exportConnectionStreamOpened     = "connection_stream_opened"
	exportStreamReset                = "stream_reset"
)

// requiredExports lists every function the host may call.
var requiredExports = []string{
	exportInit,
	exportAdvanceExecution,
	exportAddChain,
	exportRemoveChain,
	exportChainIsOK,
	exportChainErrorLen,
	exportChainErrorPtr,
	exportJSONRPCSend,
	exportJSONRPCResponsesPeek,
	exportJSONRPCResponsesPop,
	exportTimerFinished,
	exportConnectionOpenSingleStream,
	exportConnectionOpenMultiStream,
	exportConnectionReset,
	exportStreamWritableBytes,
	exportStreamMessage,
	exportConnectionStreamOpened,
	exportStreamReset,
}

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
	f64 = api.ValueTypeF64
)

func boolU32(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}
