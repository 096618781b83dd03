package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-netbridge/errors"
)

// wire is the blocking I/O surface of one established single-stream socket.
type wire interface {
	read() ([]byte, error)
	write(data []byte) error
	closeWrite() error
	close() error
}

type dialFunc func(ctx context.Context) (wire, error)

// StreamConn is the single-stream adapter shared by TCP and WebSocket.
// Dialing, reading and writing each happen on their own goroutine; the
// public methods never block on the network.
type StreamConn struct {
	id       uint32
	sink     Sink
	logger   *zap.Logger
	closable bool

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	pending    [][]byte
	queued     int
	closeSend  bool
	halfClosed bool
	wire       wire
	wake       chan struct{}

	closed    atomic.Bool
	resetOnce sync.Once

	poller *creditPoller
}

var _ SingleStream = (*StreamConn)(nil)

func newStreamConn(ctx context.Context, id uint32, sink Sink, logger *zap.Logger, closable bool, dial dialFunc) *StreamConn {
	ctx, cancel := context.WithCancel(ctx)
	s := &StreamConn{
		id:       id,
		sink:     sink,
		logger:   logger,
		closable: closable,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
	}
	s.poller = newCreditPoller(s.Buffered, func() {
		s.post(Event{Type: EventWritable, Conn: id})
	})
	go s.run(dial)
	return s
}

func (s *StreamConn) run(dial dialFunc) {
	w, err := dial(s.ctx)
	if err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = w.close()
		return
	}
	s.wire = w
	s.mu.Unlock()

	s.logger.Debug("connection established", zap.Uint32("conn", s.id))
	s.post(Event{Type: EventOpened, Conn: s.id})

	go s.writeLoop(w)
	s.readLoop(w)
}

func (s *StreamConn) readLoop(w wire) {
	for {
		data, err := w.read()
		if err != nil {
			s.fail(err)
			return
		}
		if len(data) > 0 {
			s.post(Event{Type: EventMessage, Conn: s.id, Data: data})
		}
	}
}

func (s *StreamConn) writeLoop(w wire) {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			if s.closeSend && !s.halfClosed {
				s.halfClosed = true
				s.mu.Unlock()
				if err := w.closeWrite(); err != nil {
					s.fail(err)
					return
				}
				continue
			}
			s.mu.Unlock()

			select {
			case <-s.wake:
			case <-s.ctx.Done():
				return
			}
			continue
		}

		chunk := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.mu.Unlock()

		err := w.write(chunk)

		s.mu.Lock()
		s.queued -= len(chunk)
		s.mu.Unlock()

		if err != nil {
			s.fail(err)
			return
		}
	}
}

// Send queues a copy of data for writing.
func (s *StreamConn) Send(data []byte) {
	if len(data) == 0 || s.closed.Load() {
		return
	}
	chunk := append([]byte(nil), data...)

	s.mu.Lock()
	s.pending = append(s.pending, chunk)
	s.queued += len(chunk)
	s.mu.Unlock()

	s.signal()
	s.poller.kick()
}

// CloseSend half-closes the connection after queued data is written.
func (s *StreamConn) CloseSend() error {
	if !s.closable {
		return errors.Unsupported(errors.PhaseTransport, "message sockets cannot be half-closed")
	}
	s.mu.Lock()
	s.closeSend = true
	s.mu.Unlock()
	s.signal()
	return nil
}

// Buffered returns the bytes queued and not yet accepted by the socket.
func (s *StreamConn) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

// WriteClosable reports whether CloseSend is supported.
func (s *StreamConn) WriteClosable() bool {
	return s.closable
}

// Close tears the connection down. No events are posted afterwards.
func (s *StreamConn) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.cancel()
	s.poller.stop()

	s.mu.Lock()
	w := s.wire
	s.pending = nil
	s.queued = 0
	s.mu.Unlock()

	if w != nil {
		_ = w.close()
	}
}

func (s *StreamConn) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *StreamConn) post(ev Event) {
	if s.closed.Load() {
		return
	}
	s.sink.Post(ev)
}

// fail reports the first failure as a reset and releases the socket.
func (s *StreamConn) fail(err error) {
	s.resetOnce.Do(func() {
		reason := Reason(err)
		s.logger.Debug("connection reset", zap.Uint32("conn", s.id), zap.String("reason", reason))
		s.post(Event{Type: EventReset, Conn: s.id, Reason: reason})

		s.cancel()
		s.poller.stop()
		s.mu.Lock()
		w := s.wire
		s.mu.Unlock()
		if w != nil {
			_ = w.close()
		}
	})
}
