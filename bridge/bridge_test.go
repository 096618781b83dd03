package bridge

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/wasm-netbridge/address"
	"github.com/wippyai/wasm-netbridge/errors"
	"github.com/wippyai/wasm-netbridge/scheduler"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

type harness struct {
	t       *testing.T
	b       *Bridge
	events  *eventLog
	running bool
}

func newHarness(t *testing.T, m *module, opts ...func(*Config)) *harness {
	t.Helper()
	events := &eventLog{}
	cfg := Config{LogLevel: 3, OnEvent: events.add}
	for _, opt := range opts {
		opt(&cfg)
	}
	b, err := New(context.Background(), m.encode(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, b.Close(ctx))
	})
	return &harness{t: t, b: b, events: events}
}

// start runs the loop in the background.
func (h *harness) start() <-chan error {
	h.running = true
	errc := make(chan error, 1)
	go func() { errc <- h.b.Run(context.Background()) }()
	return errc
}

// onLoop runs fn where guest calls are allowed.
func (h *harness) onLoop(fn func()) {
	h.t.Helper()
	if !h.running {
		fn()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.b.sched.Do(ctx, fn))
}

func (h *harness) call(name string, args ...uint64) (res []uint64, ok bool) {
	h.onLoop(func() { res, ok = h.b.call(name, args...) })
	return res, ok
}

func (h *harness) u32(off uint32) (v uint32) {
	h.onLoop(func() { v, _ = h.b.mod.Memory().ReadUint32Le(off) })
	return v
}

func (h *harness) bytesAt(off, n uint32) (out []byte) {
	h.onLoop(func() {
		data, _ := h.b.mod.Memory().Read(off, n)
		out = append([]byte(nil), data...)
	})
	return out
}

func (h *harness) write(off uint32, data []byte) {
	h.onLoop(func() { require.True(h.t, h.b.mod.Memory().Write(off, data)) })
}

func (h *harness) waitU32(off, want uint32) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.u32(off) == want }, 5*time.Second, 5*time.Millisecond,
		"memory at %d never became %d", off, want)
}

func awaitRun(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		require.FailNow(t, "Run did not return")
		return nil
	}
}

func TestNew_InitializesGuestOnce(t *testing.T) {
	h := newHarness(t, testGuest(), func(c *Config) { c.LogLevel = 4 })

	assert.Equal(t, uint32(4), h.u32(memLogLevel))
	assert.Equal(t, uint32(1), h.u32(memInitCount))
	assert.Empty(t, h.events.all())
}

func TestNew_MissingExports(t *testing.T) {
	m := testGuest()
	m.skip = map[string]bool{exportTimerFinished: true, exportMemory: true}

	_, err := New(context.Background(), m.encode(), Config{})
	require.Error(t, err)

	var missing *errors.MissingExportsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"memory", "timer_finished"}, missing.Exports)
}

func TestNew_InvalidBinary(t *testing.T) {
	_, err := New(context.Background(), []byte("definitely not wasm"), Config{})
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseLoad, Kind: errors.KindInvalidData})
}

func TestNew_WASIGuest(t *testing.T) {
	m := testGuest()
	m.imports = append(m.imports, wasmFunc{module: "wasi_snapshot_preview1", name: "proc_exit", typ: sig(1, 0)})

	h := newHarness(t, m)
	assert.Equal(t, uint32(1), h.u32(memInitCount))
}

func TestNew_InitPanics(t *testing.T) {
	m := testGuest()
	m.funcs[0].body = code{}.i32(memPanicMessage).i32(int32(len(panicMessage))).call(m.importIndex("panic"))

	var events eventLog
	_, err := New(context.Background(), m.encode(), Config{OnEvent: events.add})
	require.Error(t, err)
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseGuest, Kind: errors.KindGuestPanic})
	assert.Contains(t, err.Error(), panicMessage)
	assert.Equal(t, []Event{EventCrashed{Message: panicMessage}}, events.all())
}

type chunkReader struct {
	reads []int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	r.reads = append(r.reads, len(p))
	for i := range p {
		p[i] = 0xab
	}
	return len(p), nil
}

func TestHost_RandomIsChunked(t *testing.T) {
	src := &chunkReader{}
	h := newHarness(t, testGuest(), func(c *Config) { c.Random = src })

	const n = MaxRandomChunk + 4464
	_, ok := h.call("t_random", memScratch, n)
	require.True(t, ok)

	assert.Equal(t, []int{MaxRandomChunk, 4464}, src.reads)
	got := h.bytesAt(memScratch, n)
	assert.Equal(t, strings.Repeat("\xab", n), string(got))
}

func TestHost_Clocks(t *testing.T) {
	h := newHarness(t, testGuest())

	_, ok := h.call("t_clocks")
	require.True(t, ok)

	var mono, unix uint64
	h.onLoop(func() {
		mono, _ = h.b.mod.Memory().ReadUint64Le(memMonotonic)
		unix, _ = h.b.mod.Memory().ReadUint64Le(memUnix)
	})
	assert.Less(t, mono, uint64(time.Minute.Microseconds()))
	assert.InDelta(t, time.Now().UnixMicro(), int64(unix), float64(5*time.Second.Microseconds()))
}

func TestHost_ClockBeforeEpochKillsGuest(t *testing.T) {
	h := newHarness(t, testGuest())
	h.b.wallClock = func() time.Time { return time.Unix(-10, 0) }

	_, ok := h.call("t_clocks")
	assert.False(t, ok)
	assert.False(t, h.b.Alive())

	crash, dead := h.b.Crashed()
	require.True(t, dead)
	assert.Contains(t, crash.Message, "before the unix epoch")
}

func TestHost_LogForwarding(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := newHarness(t, testGuest(), func(c *Config) { c.Logger = zap.New(core) })

	_, ok := h.call("t_log", 3)
	require.True(t, ok)
	_, ok = h.call("t_log", 5)
	require.True(t, ok)

	entries := logs.FilterMessage("hello").All()
	require.Len(t, entries, 2)

	assert.Equal(t, "guest", entries[0].LoggerName)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "sync", entries[0].ContextMap()["target"])
	assert.NotContains(t, entries[0].ContextMap(), "trace")

	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
	assert.Equal(t, true, entries[1].ContextMap()["trace"])
}

func TestHost_UnsetBufferKillsGuest(t *testing.T) {
	h := newHarness(t, testGuest())

	_, ok := h.call("t_buffer_size", 2)
	assert.False(t, ok)

	events := h.events.all()
	require.Len(t, events, 1)
	crash, isCrash := events[0].(EventCrashed)
	require.True(t, isCrash)
	assert.Contains(t, crash.Message, "buffer slot 2 is not set")

	// Every later call short-circuits.
	_, ok = h.call("t_clocks")
	assert.False(t, ok)
	_, err := h.b.AddChain(context.Background(), ChainConfig{Spec: "{}"})
	assert.ErrorIs(t, err, errors.ErrGuestDead)
	assert.Len(t, h.events.all(), 1)
}

func TestHost_ConnectionTypeSupported(t *testing.T) {
	policy := address.Policy{ForbidTCP: true, ForbidWSS: true}
	h := newHarness(t, testGuest(), func(c *Config) { c.Policy = policy })

	for kind, want := range map[uint64]uint64{0: 0, 2: 0, 4: 1, 7: 1, 14: 0, 16: 1} {
		res, ok := h.call("t_supported", kind)
		require.True(t, ok)
		assert.Equal(t, want, res[0], "kind %d", kind)
	}

	_, ok := h.call("t_supported", 3)
	assert.False(t, ok)
	crash, _ := h.b.Crashed()
	assert.Contains(t, crash.Message, "contract_violation")
}

func TestHost_ForbiddenConnectionKillsGuest(t *testing.T) {
	h := newHarness(t, testGuest(), func(c *Config) { c.Policy = address.Policy{ForbidTCP: true} })

	raw := address.Encode(address.Address{Kind: address.KindTCPIPv4, Host: "127.0.0.1", Port: 30333})
	h.write(memScratch, raw)
	_, ok := h.call("t_connect", memScratch, uint64(len(raw)))
	assert.False(t, ok)

	crash, _ := h.b.Crashed()
	assert.Contains(t, crash.Message, "not permitted")
}

func TestHost_OutOfBoundsKillsGuest(t *testing.T) {
	h := newHarness(t, testGuest())

	_, ok := h.call("t_send", 0, 0xfffffff0, 64)
	assert.False(t, ok)
	crash, _ := h.b.Crashed()
	assert.Contains(t, crash.Message, "out of bounds")
}

func TestRun_ShutdownRaisesEvent(t *testing.T) {
	h := newHarness(t, testGuest())
	errc := h.start()

	h.waitU32(memSlices, 1)
	h.b.Shutdown()
	require.NoError(t, awaitRun(t, errc))

	assert.Equal(t, []Event{EventExecutorShutdown{}}, h.events.all())
}

func TestRun_GuestPanic(t *testing.T) {
	h := newHarness(t, testGuest())
	h.write(memPanicLen, []byte{byte(len(panicMessage)), 0, 0, 0})

	errc := h.start()
	assert.ErrorIs(t, awaitRun(t, errc), errors.ErrGuestDead)

	assert.Equal(t, []Event{EventCrashed{Message: panicMessage, Task: taskName}}, h.events.all())

	_, err := h.b.AddChain(context.Background(), ChainConfig{})
	assert.ErrorIs(t, err, errors.ErrGuestDead)
	_, _, err = h.b.NextJSONRPCResponse(context.Background(), 0)
	assert.ErrorIs(t, err, errors.ErrGuestDead)
}

func TestRun_Twice(t *testing.T) {
	h := newHarness(t, testGuest())
	errc := h.start()
	h.waitU32(memSlices, 1)

	err := h.b.Run(context.Background())
	assert.True(t, errors.IsContractViolation(err))

	h.b.Shutdown()
	require.NoError(t, awaitRun(t, errc))
}

func TestAPI_Chains(t *testing.T) {
	h := newHarness(t, testGuest())
	errc := h.start()
	ctx := context.Background()

	spec := `{"name":"test","id":"test"}`
	id, err := h.b.AddChain(ctx, ChainConfig{
		Spec:                 spec,
		Database:             "db",
		MaxPendingRequests:   128,
		MaxSubscriptions:     1024,
		PotentialRelayChains: []uint32{1, 2, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(7), id)
	assert.Equal(t, uint32(len(spec)), h.u32(memSpecLen))
	assert.Equal(t, uint32(2), h.u32(memDatabaseLen))
	assert.Equal(t, uint32(12), h.u32(memRelaysLen))
	assert.Equal(t, spec, string(h.bytesAt(memSpec, uint32(len(spec)))))
	h.onLoop(func() { assert.Zero(t, h.b.buffers.Len()) })

	healthy, err := h.b.ChainIsOK(ctx, id)
	require.NoError(t, err)
	assert.True(t, healthy)

	message, err := h.b.ChainError(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "nope!", message)

	require.NoError(t, h.b.RemoveChain(ctx, id))
	assert.Equal(t, id, h.u32(memRemoved))

	h.b.Shutdown()
	require.NoError(t, awaitRun(t, errc))
}

func TestAPI_CancelledCallNeverReachesGuest(t *testing.T) {
	h := newHarness(t, testGuest())
	errc := h.start()

	blocker := make(chan struct{})
	require.True(t, h.b.sched.Post(func() { <-blocker }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	id, err := h.b.AddChain(ctx, ChainConfig{Spec: `{"id":"late"}`})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, id)

	close(blocker)
	assert.Zero(t, h.u32(memSpecLen))

	h.b.Shutdown()
	require.NoError(t, awaitRun(t, errc))
}

func TestAPI_JSONRPCEcho(t *testing.T) {
	h := newHarness(t, testGuest())
	errc := h.start()
	ctx := context.Background()

	request := `{"jsonrpc":"2.0","id":1,"method":"system_health","params":[]}`
	require.NoError(t, h.b.JSONRPCSend(ctx, 7, request))
	assert.Contains(t, h.events.all(), Event(EventJSONRPCResponses{ChainID: 7}))

	response, ok, err := h.b.NextJSONRPCResponse(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, request, response)

	_, ok, err = h.b.NextJSONRPCResponse(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	h.b.Shutdown()
	require.NoError(t, awaitRun(t, errc))
}

func TestTimers(t *testing.T) {
	h := newHarness(t, testGuest())
	errc := h.start()

	_, ok := h.call("t_timer", 5, api.EncodeF64(0))
	require.True(t, ok)
	h.waitU32(memTimerCount, 1)
	assert.Equal(t, uint32(5), h.u32(memTimerID))

	start := time.Now()
	_, ok = h.call("t_timer", 6, api.EncodeF64(30))
	require.True(t, ok)
	h.waitU32(memTimerCount, 2)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, uint32(6), h.u32(memTimerID))

	// A pending timer never fires after Close.
	_, ok = h.call("t_timer", 7, api.EncodeF64(60_000))
	require.True(t, ok)
	st, err := h.b.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Timers)

	h.b.Shutdown()
	require.NoError(t, awaitRun(t, errc))
}

func TestTimerDelay(t *testing.T) {
	tests := []struct {
		ms   float64
		want time.Duration
	}{
		{0, 0},
		{-5, 0},
		{1.5, 1500 * time.Microsecond},
		{250, 250 * time.Millisecond},
		{1e15, scheduler.MaxTimerDelay},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, timerDelay(tt.ms), "ms=%v", tt.ms)
	}
}

func TestConnection_TCPEndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		received <- string(buf)
		_, _ = conn.Write([]byte("pong"))
		// Wait for the bridge's half-close, then hang up.
		_, _ = io.Copy(io.Discard, conn)
	}()

	h := newHarness(t, testGuest(), func(c *Config) { c.SendBufferBytes = 1024 })
	errc := h.start()

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	raw := address.Encode(address.Address{Kind: address.KindTCPIPv4, Host: "127.0.0.1", Port: port})
	h.write(memScratch, raw)
	res, ok := h.call("t_connect", memScratch, uint64(len(raw)))
	require.True(t, ok)
	conn := res[0]

	h.waitU32(memOpenCount, 1)
	assert.Equal(t, uint32(conn), h.u32(memOpenConn))
	assert.Equal(t, uint32(1024), h.u32(memOpenWritable))
	assert.Equal(t, uint32(1), h.u32(memOpenClosable))

	h.write(memScratch+512, []byte("ping"))
	_, ok = h.call("t_send", conn, memScratch+512, 4)
	require.True(t, ok)

	select {
	case got := <-received:
		assert.Equal(t, "ping", got)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "server never received data")
	}

	h.waitU32(memMessageCount, 1)
	assert.Equal(t, uint32(4), h.u32(memMessageLen))
	assert.Equal(t, "pong", string(h.bytesAt(memMessage, 4)))
	h.waitU32(memWritable, 4)

	_, ok = h.call("t_send_close", conn)
	require.True(t, ok)

	h.waitU32(memResetCount, 1)
	assert.Equal(t, uint32(conn), h.u32(memResetConn))
	reason := "connection closed by remote"
	assert.Equal(t, uint32(len(reason)), h.u32(memReasonLen))
	assert.Equal(t, reason, string(h.bytesAt(memReason, uint32(len(reason)))))

	st, err := h.b.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Mux.Connections)
	assert.False(t, st.Dead)

	h.b.Shutdown()
	require.NoError(t, awaitRun(t, errc))
}
