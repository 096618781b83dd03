package bridge

import (
	"context"
	"io"
	"unicode/utf8"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-netbridge/address"
	"github.com/wippyai/wasm-netbridge/errors"
)

type hostFunc struct {
	name    string
	fn      api.GoModuleFunc
	params  []api.ValueType
	results []api.ValueType
}

// hostModule builds the netbridge import module.
func (b *Bridge) hostModule(r wazero.Runtime) wazero.HostModuleBuilder {
	builder := r.NewHostModuleBuilder(HostModule)
	for _, f := range b.hostFuncs() {
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(f.fn, f.params, f.results).
			WithName(f.name).
			Export(f.name)
	}
	return builder
}

func (b *Bridge) hostFuncs() []hostFunc {
	return []hostFunc{
		{"panic", b.hostPanic, []api.ValueType{i32, i32}, nil},
		{"random_get", b.hostRandomGet, []api.ValueType{i32, i32}, nil},
		{"monotonic_clock_us", b.hostMonotonicClock, nil, []api.ValueType{i64}},
		{"unix_timestamp_us", b.hostUnixTimestamp, nil, []api.ValueType{i64}},
		{"buffer_size", b.hostBufferSize, []api.ValueType{i32}, []api.ValueType{i32}},
		{"buffer_copy", b.hostBufferCopy, []api.ValueType{i32, i32}, nil},
		{"log", b.hostLog, []api.ValueType{i32, i32, i32, i32, i32}, nil},
		{"start_timer", b.hostStartTimer, []api.ValueType{i32, f64}, nil},
		{"advance_execution_ready", b.hostAdvanceExecutionReady, nil, nil},
		{"json_rpc_responses_non_empty", b.hostJSONRPCResponsesNonEmpty, []api.ValueType{i32}, nil},
		{"connection_type_supported", b.hostConnectionTypeSupported, []api.ValueType{i32}, []api.ValueType{i32}},
		{"connection_new", b.hostConnectionNew, []api.ValueType{i32, i32}, []api.ValueType{i32}},
		{"reset_connection", b.hostResetConnection, []api.ValueType{i32}, nil},
		{"connection_stream_open", b.hostConnectionStreamOpen, []api.ValueType{i32}, nil},
		{"connection_stream_reset", b.hostConnectionStreamReset, []api.ValueType{i32, i32}, nil},
		{"stream_send", b.hostStreamSend, []api.ValueType{i32, i32, i32, i32}, nil},
		{"stream_send_close", b.hostStreamSendClose, []api.ValueType{i32, i32}, nil},
		{"current_task_entered", b.hostCurrentTaskEntered, []api.ValueType{i32, i32}, nil},
		{"current_task_exit", b.hostCurrentTaskExit, nil, nil},
	}
}

// read returns a view of guest memory. Out-of-range accesses are contract
// violations.
func read(mod api.Module, ptr, length uint32) []byte {
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		panic(errors.OutOfBounds(errors.PhaseHost, ptr, length))
	}
	return data
}

// readString copies a UTF-8 string out of guest memory.
func readString(mod api.Module, ptr, length uint32) string {
	data := read(mod, ptr, length)
	if !utf8.Valid(data) {
		panic(errors.ContractViolation(errors.PhaseHost, "string at %d is not valid UTF-8", ptr))
	}
	return string(data)
}

// check raises err as a contract violation inside a host call.
func check(err error) {
	if err != nil {
		panic(err)
	}
}

func (b *Bridge) hostPanic(_ context.Context, mod api.Module, stack []uint64) {
	data := read(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	message := string(data)
	task := b.task
	b.die(message)
	panic(errors.GuestPanic(message, task))
}

func (b *Bridge) hostRandomGet(_ context.Context, mod api.Module, stack []uint64) {
	out := read(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	for len(out) > 0 {
		n := min(len(out), MaxRandomChunk)
		if _, err := io.ReadFull(b.random, out[:n]); err != nil {
			panic(errors.Wrap(errors.PhaseHost, errors.KindContractViolation, err, "randomness source failed"))
		}
		out = out[n:]
	}
}

func (b *Bridge) hostMonotonicClock(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = api.EncodeI64(b.monotonicMicros())
}

func (b *Bridge) hostUnixTimestamp(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = api.EncodeI64(b.unixMicros())
}

func (b *Bridge) hostBufferSize(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = api.EncodeU32(b.buffers.Size(api.DecodeU32(stack[0])))
}

func (b *Bridge) hostBufferCopy(_ context.Context, mod api.Module, stack []uint64) {
	data := b.buffers.Get(api.DecodeU32(stack[0]))
	ptr := api.DecodeU32(stack[1])
	if !mod.Memory().Write(ptr, data) {
		panic(errors.OutOfBounds(errors.PhaseHost, ptr, uint32(len(data))))
	}
}

func (b *Bridge) hostLog(_ context.Context, mod api.Module, stack []uint64) {
	level := api.DecodeU32(stack[0])
	target := readString(mod, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
	message := readString(mod, api.DecodeU32(stack[3]), api.DecodeU32(stack[4]))
	b.guestLog.Log(guestLevel(level), message, guestLogFields(level, target)...)
}

func guestLevel(level uint32) zapcore.Level {
	switch level {
	case 1:
		return zapcore.ErrorLevel
	case 2:
		return zapcore.WarnLevel
	case 3:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func guestLogFields(level uint32, target string) []zap.Field {
	fields := []zap.Field{zap.String("target", target), zap.Uint32("level", level)}
	if level >= 5 {
		fields = append(fields, zap.Bool("trace", true))
	}
	return fields
}

func (b *Bridge) hostStartTimer(_ context.Context, _ api.Module, stack []uint64) {
	b.startTimer(api.DecodeU32(stack[0]), api.DecodeF64(stack[1]))
}

func (b *Bridge) hostAdvanceExecutionReady(context.Context, api.Module, []uint64) {
	b.sched.NotifyReady()
}

func (b *Bridge) hostJSONRPCResponsesNonEmpty(_ context.Context, _ api.Module, stack []uint64) {
	b.emit(EventJSONRPCResponses{ChainID: api.DecodeU32(stack[0])})
}

func (b *Bridge) hostConnectionTypeSupported(_ context.Context, _ api.Module, stack []uint64) {
	raw := api.DecodeU32(stack[0])
	if raw > 0xff {
		panic(errors.ContractViolation(errors.PhaseHost, "connection type %d out of range", raw))
	}
	stack[0] = boolU32(b.policy.Supported(address.Kind(raw)))
}

func (b *Bridge) hostConnectionNew(_ context.Context, mod api.Module, stack []uint64) {
	raw := read(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	addr, err := address.Decode(raw)
	if err != nil {
		panic(errors.Wrap(errors.PhaseHost, errors.KindContractViolation, err, "connection_new"))
	}
	id, err := b.mux.Open(addr)
	check(err)
	stack[0] = api.EncodeU32(id)
}

func (b *Bridge) hostResetConnection(_ context.Context, _ api.Module, stack []uint64) {
	check(b.mux.Reset(api.DecodeU32(stack[0])))
}

func (b *Bridge) hostConnectionStreamOpen(_ context.Context, _ api.Module, stack []uint64) {
	check(b.mux.OpenSubstream(api.DecodeU32(stack[0])))
}

func (b *Bridge) hostConnectionStreamReset(_ context.Context, _ api.Module, stack []uint64) {
	check(b.mux.ResetSubstream(api.DecodeU32(stack[0]), api.DecodeU32(stack[1])))
}

func (b *Bridge) hostStreamSend(_ context.Context, mod api.Module, stack []uint64) {
	view := read(mod, api.DecodeU32(stack[2]), api.DecodeU32(stack[3]))
	data := append([]byte(nil), view...)
	check(b.mux.Send(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), data))
}

func (b *Bridge) hostStreamSendClose(_ context.Context, _ api.Module, stack []uint64) {
	check(b.mux.SendClose(api.DecodeU32(stack[0]), api.DecodeU32(stack[1])))
}

func (b *Bridge) hostCurrentTaskEntered(_ context.Context, mod api.Module, stack []uint64) {
	b.task = readString(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
}

func (b *Bridge) hostCurrentTaskExit(context.Context, api.Module, []uint64) {
	b.task = ""
}
