package transport

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-netbridge/address"
	"github.com/wippyai/wasm-netbridge/errors"
)

// DefaultDialTimeout bounds TCP connects and websocket handshakes.
const DefaultDialTimeout = 20 * time.Second

// DialerConfig configures a Dialer.
type DialerConfig struct {
	Logger      *zap.Logger
	DialTimeout time.Duration
	ICEServers  []webrtc.ICEServer
}

// Dialer opens adapters by address class.
type Dialer struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	timeout time.Duration
	webrtc  WebRTCOptions
}

// NewDialer creates a dialer. Closing it aborts every dial still in progress.
func NewDialer(cfg DialerConfig) *Dialer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dialer{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		timeout: timeout,
		webrtc: WebRTCOptions{
			ICEServers:    cfg.ICEServers,
			LoggerFactory: &ZapLoggerFactory{Logger: logger},
			Logger:        logger.Named("webrtc"),
		},
	}
}

// DialStream opens a TCP or websocket connection. Panics with a contract
// violation if addr is not a single-stream kind.
func (d *Dialer) DialStream(id uint32, addr address.Address, sink Sink) SingleStream {
	switch addr.Class() {
	case address.ClassStream:
		return DialTCP(d.ctx, id, addr.HostPort(), sink, d.timeout, d.logger.Named("tcp"))
	case address.ClassMessage:
		return DialWebSocket(d.ctx, id, addr.URL(), sink, d.timeout, d.logger.Named("websocket"))
	default:
		panic(errors.ContractViolation(errors.PhaseTransport, "%s is not a single-stream address", addr.Kind))
	}
}

// DialMulti opens a WebRTC peer connection. Panics with a contract violation
// if addr is not a multi-stream kind.
func (d *Dialer) DialMulti(id uint32, addr address.Address, sink Sink) MultiStream {
	if addr.Class() != address.ClassMultiStream {
		panic(errors.ContractViolation(errors.PhaseTransport, "%s is not a multi-stream address", addr.Kind))
	}
	return DialWebRTC(id, addr, sink, d.webrtc)
}

// Close aborts pending dials. Established connections are closed by their owners.
func (d *Dialer) Close() {
	d.cancel()
}
