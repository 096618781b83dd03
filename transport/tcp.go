package transport

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-netbridge/errors"
)

const readBufferSize = 64 * 1024

type tcpWire struct {
	conn *net.TCPConn
	buf  []byte
}

func (w *tcpWire) read() ([]byte, error) {
	n, err := w.conn.Read(w.buf)
	if n > 0 {
		return append([]byte(nil), w.buf[:n]...), nil
	}
	return nil, err
}

func (w *tcpWire) write(data []byte) error {
	_, err := w.conn.Write(data)
	return err
}

func (w *tcpWire) closeWrite() error {
	return w.conn.CloseWrite()
}

func (w *tcpWire) close() error {
	return w.conn.Close()
}

// DialTCP starts connecting to hostPort and returns immediately. The outcome
// is reported through sink as EventOpened or EventReset, never synchronously.
func DialTCP(ctx context.Context, id uint32, hostPort string, sink Sink, timeout time.Duration, logger *zap.Logger) *StreamConn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return newStreamConn(ctx, id, sink, logger, true, func(ctx context.Context) (wire, error) {
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", hostPort)
		if err != nil {
			return nil, err
		}
		tcp, ok := conn.(*net.TCPConn)
		if !ok {
			_ = conn.Close()
			return nil, errors.Unsupported(errors.PhaseTransport, "dialer returned a non-tcp connection")
		}
		return &tcpWire{conn: tcp, buf: make([]byte, readBufferSize)}, nil
	})
}
