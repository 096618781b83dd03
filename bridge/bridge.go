package bridge

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-netbridge/address"
	"github.com/wippyai/wasm-netbridge/buffer"
	"github.com/wippyai/wasm-netbridge/errors"
	"github.com/wippyai/wasm-netbridge/mux"
	"github.com/wippyai/wasm-netbridge/scheduler"
	"github.com/wippyai/wasm-netbridge/transport"
)

// Config configures a Bridge.
type Config struct {
	Logger *zap.Logger

	// LogLevel is passed to the guest's init export.
	LogLevel uint32
	// CPURateLimit is the fraction of wall-clock time the guest may use.
	CPURateLimit float64
	Policy       address.Policy

	SendBufferBytes      int
	SubstreamBufferBytes int
	DialTimeout          time.Duration
	ICEServers           []webrtc.ICEServer

	// MemoryLimitPages caps guest memory in 64KiB pages. Zero keeps wazero's default.
	MemoryLimitPages uint32

	// Dialer overrides the network transports.
	Dialer mux.Dialer
	// Random overrides the randomness source.
	Random io.Reader

	// OnEvent receives bridge events on the loop goroutine. It must not block
	// and must not call back into the Bridge synchronously.
	OnEvent func(Event)
}

// Bridge owns a guest instance and everything it talks to.
type Bridge struct {
	ctx      context.Context
	logger   *zap.Logger
	guestLog *zap.Logger

	runtime wazero.Runtime
	mod     api.Module
	exports map[string]api.Function

	buffers *buffer.Registry
	mux     *mux.Mux
	sched   *scheduler.Scheduler
	dialer  *transport.Dialer
	timers  *timers
	policy  address.Policy
	random  io.Reader
	onEvent func(Event)

	start     time.Time
	wallClock func() time.Time

	task  string
	dead  atomic.Bool
	crash atomic.Pointer[EventCrashed]

	running   atomic.Bool
	runDone   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New compiles and instantiates the guest, then calls its init export once.
// wasm may be compressed; see DecodeModule.
func New(ctx context.Context, wasm []byte, cfg Config) (*Bridge, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}

	code, err := DecodeModule(wasm)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		ctx:       context.WithoutCancel(ctx),
		logger:    logger,
		guestLog:  logger.Named("guest"),
		buffers:   buffer.NewRegistry(),
		timers:    newTimers(),
		policy:    cfg.Policy,
		random:    random,
		onEvent:   cfg.OnEvent,
		start:     time.Now(),
		wallClock: time.Now,
		runDone:   make(chan struct{}),
	}

	b.sched = scheduler.New(b, scheduler.Config{
		RateLimit:  cfg.CPURateLimit,
		Logger:     logger.Named("scheduler"),
		OnShutdown: func() { b.emit(EventExecutorShutdown{}) },
	})

	var dialer mux.Dialer = cfg.Dialer
	if dialer == nil {
		b.dialer = transport.NewDialer(transport.DialerConfig{
			Logger:      logger.Named("transport"),
			DialTimeout: cfg.DialTimeout,
			ICEServers:  cfg.ICEServers,
		})
		dialer = b.dialer
	}
	b.mux = mux.New(mux.Config{
		Guest:           guestNotifier{b},
		Dialer:          dialer,
		Sink:            transport.SinkFunc(b.post),
		Policy:          cfg.Policy,
		Logger:          logger.Named("mux"),
		SendBuffer:      cfg.SendBufferBytes,
		SubstreamBuffer: cfg.SubstreamBufferBytes,
	})

	if err := b.instantiate(ctx, code, cfg.MemoryLimitPages); err != nil {
		_ = b.teardown(ctx)
		return nil, err
	}

	if _, ok := b.call(exportInit, uint64(cfg.LogLevel)); !ok {
		_ = b.teardown(ctx)
		if c := b.crash.Load(); c != nil {
			return nil, errors.GuestPanic(c.Message, c.Task)
		}
		return nil, errors.ErrGuestDead
	}

	logger.Debug("guest initialized",
		zap.Uint32("log_level", cfg.LogLevel),
		zap.Int("exports", len(b.exports)))
	return b, nil
}

func (b *Bridge) instantiate(ctx context.Context, code []byte, memoryLimit uint32) error {
	runtimeCfg := wazero.NewRuntimeConfig()
	if memoryLimit > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(memoryLimit)
	}
	b.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	compiled, err := b.runtime.CompileModule(ctx, code)
	if err != nil {
		return errors.Load("compile guest", err)
	}

	if err := validateExports(compiled); err != nil {
		return err
	}

	if importsModule(compiled, wasi_snapshot_preview1.ModuleName) {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, b.runtime); err != nil {
			return errors.Instantiation(fmt.Errorf("wasi: %w", err))
		}
		b.logger.Debug("wasi preview1 instantiated")
	}

	if _, err := b.hostModule(b.runtime).Instantiate(ctx); err != nil {
		return errors.Instantiation(fmt.Errorf("host module: %w", err))
	}

	modCfg := wazero.NewModuleConfig().
		WithName("guest").
		WithStartFunctions("_initialize").
		WithRandSource(b.random).
		WithSysWalltime().
		WithSysNanotime()
	mod, err := b.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return errors.Instantiation(err)
	}
	b.mod = mod

	b.exports = make(map[string]api.Function, len(requiredExports))
	for _, name := range requiredExports {
		b.exports[name] = mod.ExportedFunction(name)
	}
	return nil
}

// call invokes a guest export on the current goroutine. It reports false if
// the guest is dead or died during the call.
func (b *Bridge) call(name string, args ...uint64) ([]uint64, bool) {
	if b.dead.Load() {
		return nil, false
	}
	fn := b.exports[name]
	if fn == nil {
		fn = b.mod.ExportedFunction(name)
	}
	if fn == nil {
		b.die(errors.ContractViolation(errors.PhaseGuest, "export %q not found", name).Error())
		return nil, false
	}

	results, err := fn.Call(b.ctx, args...)
	if err != nil {
		// Already dead when the guest called the panic import.
		b.die(err.Error())
		return nil, false
	}
	return results, true
}

// callWithBuffers fills the given slots for the duration of one call.
func (b *Bridge) callWithBuffers(slots map[uint32][]byte, name string, args ...uint64) (results []uint64, ok bool) {
	b.buffers.Scoped(slots, func() {
		results, ok = b.call(name, args...)
	})
	return results, ok
}

// die marks the guest dead and reports the crash. Only the first call has
// any effect.
func (b *Bridge) die(message string) {
	if b.dead.Swap(true) {
		return
	}
	ev := EventCrashed{Message: message, Task: b.task}
	b.crash.Store(&ev)
	b.logger.Error("guest crashed",
		zap.String("message", message),
		zap.String("task", ev.Task))
	b.emit(ev)
}

func (b *Bridge) emit(ev Event) {
	if b.onEvent != nil {
		b.onEvent(ev)
	}
}

// post is the transport sink. Events reach the multiplexer on the loop.
func (b *Bridge) post(ev transport.Event) {
	if !b.sched.Post(func() { b.mux.Dispatch(ev) }) {
		b.logger.Debug("dropping transport event after shutdown",
			zap.Stringer("type", ev.Type),
			zap.Uint32("conn", ev.Conn))
	}
}

// RunSlice implements scheduler.Executor.
func (b *Bridge) RunSlice(context.Context) {
	b.call(exportAdvanceExecution)
}

// Alive implements scheduler.Executor.
func (b *Bridge) Alive() bool {
	return !b.dead.Load()
}

// Crashed returns the crash report, if the guest died.
func (b *Bridge) Crashed() (EventCrashed, bool) {
	if c := b.crash.Load(); c != nil {
		return *c, true
	}
	return EventCrashed{}, false
}

// Run drives the guest on the calling goroutine until Shutdown, ctx
// cancellation (returns nil) or guest death (returns errors.ErrGuestDead).
func (b *Bridge) Run(ctx context.Context) error {
	if b.running.Swap(true) {
		return errors.InvalidState(errors.PhaseSchedule, "run", "already running")
	}
	defer close(b.runDone)
	return b.sched.Run(ctx)
}

// Shutdown asks Run to return. Safe from any goroutine.
func (b *Bridge) Shutdown() {
	b.sched.Shutdown()
}

// do runs fn on the loop and maps loop termination to the guest state. When
// an error is returned, fn did not run, so its captured results stay untouched.
func (b *Bridge) do(ctx context.Context, fn func() error) error {
	if b.dead.Load() {
		return errors.ErrGuestDead
	}
	var ferr error
	err := b.sched.Do(ctx, func() { ferr = fn() })
	if err != nil {
		if b.dead.Load() {
			return errors.ErrGuestDead
		}
		return err
	}
	return ferr
}

// Close shuts the loop down, waits for Run to return, and releases every
// connection, timer and the wazero runtime.
func (b *Bridge) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.sched.Shutdown()
		if b.running.Load() {
			select {
			case <-b.runDone:
			case <-ctx.Done():
				b.closeErr = ctx.Err()
				return
			}
		}
		b.closeErr = b.teardown(ctx)
	})
	return b.closeErr
}

func (b *Bridge) teardown(ctx context.Context) error {
	b.timers.stopAll()
	b.mux.Close()
	if b.dialer != nil {
		b.dialer.Close()
	}
	var errs error
	if b.mod != nil {
		errs = multierr.Append(errs, b.mod.Close(ctx))
	}
	if b.runtime != nil {
		errs = multierr.Append(errs, b.runtime.Close(ctx))
	}
	return errs
}
