package bridge

import (
	"bytes"
)

// Wasm opcodes used by the test guest.
const (
	opIf       = 0x04
	opEnd      = 0x0b
	opCall     = 0x10
	opLocalGet = 0x20
	opI32Load  = 0x28
	opI32Store = 0x36
	opI64Store = 0x37
	opI32Const = 0x41
	opI32Add   = 0x6a
	blockVoid  = 0x40

	valI32 = 0x7f
	valI64 = 0x7e
	valF64 = 0x7c
)

func uleb(v uint64) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		out = append(out, c)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		out = append(out, c)
		if done {
			return out
		}
	}
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func vec(items [][]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

// code is a function body under construction.
type code []byte

func (c code) get(i int) code      { return append(c, append([]byte{opLocalGet}, uleb(uint64(i))...)...) }
func (c code) i32(v int32) code    { return append(c, append([]byte{opI32Const}, sleb(int64(v))...)...) }
func (c code) call(idx int) code   { return append(c, append([]byte{opCall}, uleb(uint64(idx))...)...) }
func (c code) load() code          { return append(c, opI32Load, 2, 0) }
func (c code) store() code         { return append(c, opI32Store, 2, 0) }
func (c code) store64() code       { return append(c, opI64Store, 3, 0) }
func (c code) add() code           { return append(c, opI32Add) }
func (c code) when(body code) code { return append(append(append(c, opIf, blockVoid), body...), opEnd) }

// storeAt writes the value produced by val to mem[off].
func (c code) storeAt(off int32, val code) code { return append(c.i32(off), val...).store() }

// loadAt pushes mem[off].
func (c code) loadAt(off int32) code { return c.i32(off).load() }

// incr adds one to mem[off].
func (c code) incr(off int32) code { return c.storeAt(off, code{}.loadAt(off).i32(1).add()) }

type funcType struct {
	params  []byte
	results []byte
}

func (t funcType) encode() []byte {
	out := []byte{0x60}
	out = append(out, uleb(uint64(len(t.params)))...)
	out = append(out, t.params...)
	out = append(out, uleb(uint64(len(t.results)))...)
	return append(out, t.results...)
}

type wasmFunc struct {
	// module is the import module; empty means the host module.
	module string
	name   string
	typ    funcType
	body   code
}

type dataSegment struct {
	offset int32
	data   string
}

// module assembles a core wasm binary with one exported memory.
type module struct {
	imports []wasmFunc
	funcs   []wasmFunc
	data    []dataSegment
	pages   int
	skip    map[string]bool // exports to leave out
}

func (m *module) importIndex(fn string) int {
	for i, imp := range m.imports {
		if imp.name == fn {
			return i
		}
	}
	panic("no import " + fn)
}

func (m *module) encode() []byte {
	var types []funcType
	typeIndex := func(t funcType) int {
		for i, have := range types {
			if bytes.Equal(have.params, t.params) && bytes.Equal(have.results, t.results) {
				return i
			}
		}
		types = append(types, t)
		return len(types) - 1
	}

	var imports, funcs, exports, bodies, segments [][]byte
	for _, imp := range m.imports {
		from := imp.module
		if from == "" {
			from = HostModule
		}
		entry := append(name(from), name(imp.name)...)
		entry = append(entry, 0x00)
		imports = append(imports, append(entry, uleb(uint64(typeIndex(imp.typ)))...))
	}
	for i, fn := range m.funcs {
		funcs = append(funcs, uleb(uint64(typeIndex(fn.typ))))
		if !m.skip[fn.name] {
			entry := append(name(fn.name), 0x00)
			exports = append(exports, append(entry, uleb(uint64(len(imports)+i))...))
		}
		body := append([]byte{0x00}, fn.body...)
		body = append(body, opEnd)
		bodies = append(bodies, append(uleb(uint64(len(body))), body...))
	}
	if !m.skip[exportMemory] {
		exports = append(exports, append(name(exportMemory), 0x02, 0x00))
	}
	for _, seg := range m.data {
		entry := append([]byte{0x00, opI32Const}, sleb(int64(seg.offset))...)
		entry = append(entry, opEnd)
		entry = append(entry, name(seg.data)...)
		segments = append(segments, entry)
	}

	var encodedTypes [][]byte
	for _, t := range types {
		encodedTypes = append(encodedTypes, t.encode())
	}
	pages := m.pages
	if pages == 0 {
		pages = 2
	}

	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}
	section := func(id byte, payload []byte) {
		out = append(out, id)
		out = append(out, uleb(uint64(len(payload)))...)
		out = append(out, payload...)
	}
	section(1, vec(encodedTypes))
	section(2, vec(imports))
	section(3, vec(funcs))
	section(5, vec([][]byte{append([]byte{0x00}, uleb(uint64(pages))...)}))
	section(7, vec(exports))
	section(10, vec(bodies))
	section(11, vec(segments))
	return out
}

// Guest memory layout of the test guest.
const (
	memLogLevel    = 0
	memInitCount   = 4
	memSlices      = 8
	memPanicLen    = 12
	memTimerID     = 16
	memTimerCount  = 20
	memSpecLen     = 24
	memRelaysLen   = 28
	memDatabaseLen = 36
	memResponse    = 40 // {ptr, len}
	memRemoved     = 48
	memBusy        = 52

	memOpenConn      = 200
	memOpenWritable  = 204
	memOpenClosable  = 208
	memOpenCount     = 212
	memHandshakeLen  = 216
	memResetConn     = 220
	memResetCount    = 224
	memReasonLen     = 228
	memWritable      = 232
	memMessageLen    = 236
	memMessageCount  = 240
	memStreamsOpened = 244
	memStreamResets  = 248
	memMonotonic     = 256
	memUnix          = 264

	memPanicMessage = 64
	memChainError   = 96
	memTaskName     = 128
	memLogTarget    = 160
	memLogMessage   = 164
	memSpec         = 1024
	memRequest      = 2048
	memHandshake    = 3072
	memReason       = 3328
	memMessage      = 4096
	memScratch      = 8192

	panicMessage = "guest exploded"
	taskName     = "runtime"
)

var hostImports = []wasmFunc{
	{name: "panic", typ: funcType{params: []byte{valI32, valI32}}},
	{name: "random_get", typ: funcType{params: []byte{valI32, valI32}}},
	{name: "monotonic_clock_us", typ: funcType{results: []byte{valI64}}},
	{name: "unix_timestamp_us", typ: funcType{results: []byte{valI64}}},
	{name: "buffer_size", typ: funcType{params: []byte{valI32}, results: []byte{valI32}}},
	{name: "buffer_copy", typ: funcType{params: []byte{valI32, valI32}}},
	{name: "log", typ: funcType{params: []byte{valI32, valI32, valI32, valI32, valI32}}},
	{name: "start_timer", typ: funcType{params: []byte{valI32, valF64}}},
	{name: "advance_execution_ready", typ: funcType{}},
	{name: "json_rpc_responses_non_empty", typ: funcType{params: []byte{valI32}}},
	{name: "connection_type_supported", typ: funcType{params: []byte{valI32}, results: []byte{valI32}}},
	{name: "connection_new", typ: funcType{params: []byte{valI32, valI32}, results: []byte{valI32}}},
	{name: "reset_connection", typ: funcType{params: []byte{valI32}}},
	{name: "connection_stream_open", typ: funcType{params: []byte{valI32}}},
	{name: "connection_stream_reset", typ: funcType{params: []byte{valI32, valI32}}},
	{name: "stream_send", typ: funcType{params: []byte{valI32, valI32, valI32, valI32}}},
	{name: "stream_send_close", typ: funcType{params: []byte{valI32, valI32}}},
	{name: "current_task_entered", typ: funcType{params: []byte{valI32, valI32}}},
	{name: "current_task_exit", typ: funcType{}},
}

func sig(params, results int) funcType {
	return funcType{params: bytes.Repeat([]byte{valI32}, params), results: bytes.Repeat([]byte{valI32}, results)}
}

// testGuest returns a guest that records every notification in memory, echoes
// JSON-RPC requests back as responses, and exposes t_* exports that call
// single host imports.
func testGuest() *module {
	m := &module{imports: append([]wasmFunc(nil), hostImports...)}
	imp := m.importIndex

	m.funcs = []wasmFunc{
		{name: exportInit, typ: sig(1, 0), body: code{}.
			storeAt(memLogLevel, code{}.get(0)).
			incr(memInitCount)},
		{name: exportAdvanceExecution, typ: sig(0, 0), body: code{}.
			i32(memTaskName).i32(int32(len(taskName))).call(imp("current_task_entered")).
			incr(memSlices).
			loadAt(memPanicLen).when(code{}.
				i32(memPanicMessage).loadAt(memPanicLen).call(imp("panic"))).
			loadAt(memBusy).when(code{}.call(imp("advance_execution_ready"))).
			call(imp("current_task_exit"))},
		{name: exportAddChain, typ: sig(5, 1), body: code{}.
			get(0).i32(memSpec).call(imp("buffer_copy")).
			storeAt(memSpecLen, code{}.get(0).call(imp("buffer_size"))).
			storeAt(memDatabaseLen, code{}.get(1).call(imp("buffer_size"))).
			storeAt(memRelaysLen, code{}.get(4).call(imp("buffer_size"))).
			i32(7)},
		{name: exportRemoveChain, typ: sig(1, 0), body: code{}.storeAt(memRemoved, code{}.get(0))},
		{name: exportChainIsOK, typ: sig(1, 1), body: code{}.i32(1)},
		{name: exportChainErrorLen, typ: sig(1, 1), body: code{}.i32(5)},
		{name: exportChainErrorPtr, typ: sig(1, 1), body: code{}.i32(memChainError)},
		{name: exportJSONRPCSend, typ: sig(2, 1), body: code{}.
			get(0).i32(memRequest).call(imp("buffer_copy")).
			storeAt(memResponse, code{}.i32(memRequest)).
			storeAt(memResponse+4, code{}.get(0).call(imp("buffer_size"))).
			get(1).call(imp("json_rpc_responses_non_empty")).
			i32(0)},
		{name: exportJSONRPCResponsesPeek, typ: sig(1, 1), body: code{}.i32(memResponse)},
		{name: exportJSONRPCResponsesPop, typ: sig(1, 0), body: code{}.storeAt(memResponse+4, code{}.i32(0))},
		{name: exportTimerFinished, typ: sig(1, 0), body: code{}.
			storeAt(memTimerID, code{}.get(0)).
			incr(memTimerCount)},
		{name: exportConnectionOpenSingleStream, typ: sig(3, 0), body: code{}.
			storeAt(memOpenConn, code{}.get(0)).
			storeAt(memOpenWritable, code{}.get(1)).
			storeAt(memOpenClosable, code{}.get(2)).
			incr(memOpenCount)},
		{name: exportConnectionOpenMultiStream, typ: sig(2, 0), body: code{}.
			storeAt(memOpenConn, code{}.get(0)).
			get(1).i32(memHandshake).call(imp("buffer_copy")).
			storeAt(memHandshakeLen, code{}.get(1).call(imp("buffer_size"))).
			incr(memOpenCount)},
		{name: exportConnectionReset, typ: sig(2, 0), body: code{}.
			storeAt(memResetConn, code{}.get(0)).
			get(1).i32(memReason).call(imp("buffer_copy")).
			storeAt(memReasonLen, code{}.get(1).call(imp("buffer_size"))).
			incr(memResetCount)},
		{name: exportStreamWritableBytes, typ: sig(3, 0), body: code{}.
			storeAt(memWritable, code{}.loadAt(memWritable).get(2).add())},
		{name: exportStreamMessage, typ: sig(3, 0), body: code{}.
			get(2).i32(memMessage).call(imp("buffer_copy")).
			storeAt(memMessageLen, code{}.get(2).call(imp("buffer_size"))).
			incr(memMessageCount)},
		{name: exportConnectionStreamOpened, typ: sig(4, 0), body: code{}.incr(memStreamsOpened)},
		{name: exportStreamReset, typ: sig(2, 0), body: code{}.incr(memStreamResets)},

		{name: "t_random", typ: sig(2, 0), body: code{}.get(0).get(1).call(imp("random_get"))},
		{name: "t_clocks", typ: sig(0, 0), body: code{}.
			i32(memMonotonic).call(imp("monotonic_clock_us")).store64().
			i32(memUnix).call(imp("unix_timestamp_us")).store64()},
		{name: "t_log", typ: sig(1, 0), body: code{}.
			get(0).i32(memLogTarget).i32(4).i32(memLogMessage).i32(5).call(imp("log"))},
		{name: "t_timer", typ: funcType{params: []byte{valI32, valF64}}, body: code{}.
			get(0).get(1).call(imp("start_timer"))},
		{name: "t_supported", typ: sig(1, 1), body: code{}.get(0).call(imp("connection_type_supported"))},
		{name: "t_connect", typ: sig(2, 1), body: code{}.get(0).get(1).call(imp("connection_new"))},
		{name: "t_send", typ: sig(3, 0), body: code{}.get(0).i32(0).get(1).get(2).call(imp("stream_send"))},
		{name: "t_send_close", typ: sig(1, 0), body: code{}.get(0).i32(0).call(imp("stream_send_close"))},
		{name: "t_reset", typ: sig(1, 0), body: code{}.get(0).call(imp("reset_connection"))},
		{name: "t_stream_open", typ: sig(1, 0), body: code{}.get(0).call(imp("connection_stream_open"))},
		{name: "t_stream_reset", typ: sig(2, 0), body: code{}.get(0).get(1).call(imp("connection_stream_reset"))},
		{name: "t_buffer_size", typ: sig(1, 1), body: code{}.get(0).call(imp("buffer_size"))},
	}
	m.data = []dataSegment{
		{memPanicMessage, panicMessage},
		{memChainError, "nope!"},
		{memTaskName, taskName},
		{memLogTarget, "sync"},
		{memLogMessage, "hello"},
	}
	return m
}
