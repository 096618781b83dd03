package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-netbridge/errors"
)

const wsCloseGrace = time.Second

type wsWire struct {
	conn *websocket.Conn
}

func (w *wsWire) read() ([]byte, error) {
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.BinaryMessage || kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (w *wsWire) write(data []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsWire) closeWrite() error {
	return errors.Unsupported(errors.PhaseTransport, "websocket half-close")
}

func (w *wsWire) close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
	return w.conn.Close()
}

// DialWebSocket starts a websocket handshake with url ("ws://" or "wss://")
// and returns immediately. Each Send becomes one binary message.
func DialWebSocket(ctx context.Context, id uint32, url string, sink Sink, timeout time.Duration, logger *zap.Logger) *StreamConn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return newStreamConn(ctx, id, sink, logger, false, func(ctx context.Context) (wire, error) {
		dialer := websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: timeout,
			ReadBufferSize:   readBufferSize,
			WriteBufferSize:  readBufferSize,
		}
		conn, resp, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("%w: status %s", err, resp.Status)
			}
			return nil, err
		}
		return &wsWire{conn: conn}, nil
	})
}
