package mux

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-netbridge/address"
	"github.com/wippyai/wasm-netbridge/errors"
	"github.com/wippyai/wasm-netbridge/transport"
)

// DefaultSendBuffer is the single-stream send capacity advertised to the guest.
const DefaultSendBuffer = 1 << 20

// DefaultSubstreamBuffer is the per-substream send capacity.
const DefaultSubstreamBuffer = 256 * 1024

// Guest receives connection notifications. Implementations must tolerate
// being called after the guest died.
type Guest interface {
	ConnectionOpenSingleStream(conn, initialWritable uint32, writeClosable bool)
	ConnectionOpenMultiStream(conn uint32, handshake []byte)
	ConnectionReset(conn uint32, reason string)
	StreamOpened(conn, stream uint32, outbound bool, initialWritable uint32)
	StreamMessage(conn, stream uint32, data []byte)
	StreamWritableBytes(conn, stream, n uint32)
	StreamReset(conn, stream uint32)
}

// Dialer creates transport adapters.
type Dialer interface {
	DialStream(id uint32, addr address.Address, sink transport.Sink) transport.SingleStream
	DialMulti(id uint32, addr address.Address, sink transport.Sink) transport.MultiStream
}

// Config configures a Mux.
type Config struct {
	Guest  Guest
	Dialer Dialer
	// Sink is handed to adapters; it must eventually call Dispatch on the loop.
	Sink   transport.Sink
	Policy address.Policy
	Logger *zap.Logger

	SendBuffer      int
	SubstreamBuffer int
}

type state uint8

const (
	stateOpening state = iota
	stateOpen
)

func (s state) String() string {
	if s == stateOpen {
		return "open"
	}
	return "opening"
}

type substream struct {
	id       uint32
	outbound bool
	state    state
	credit   credit
}

type connection struct {
	id     uint32
	addr   address.Address
	class  address.Class
	state  state
	single transport.SingleStream
	multi  transport.MultiStream

	credit     credit
	sendClosed bool
	substreams map[uint32]*substream
}

func (c *connection) close() {
	if c.single != nil {
		c.single.Close()
	}
	if c.multi != nil {
		c.multi.Close()
	}
}

// Stats is a snapshot of the table.
type Stats struct {
	Connections int
	Opening     int
	Substreams  int
	ByClass     map[address.Class]int
}

// Mux is the connection table.
type Mux struct {
	guest  Guest
	dialer Dialer
	sink   transport.Sink
	policy address.Policy
	logger *zap.Logger

	sendBuffer      int
	substreamBuffer int

	conns  map[uint32]*connection
	nextID uint32
}

// New creates an empty table.
func New(cfg Config) *Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	substreamBuffer := cfg.SubstreamBuffer
	if substreamBuffer <= 0 {
		substreamBuffer = DefaultSubstreamBuffer
	}
	return &Mux{
		guest:           cfg.Guest,
		dialer:          cfg.Dialer,
		sink:            cfg.Sink,
		policy:          cfg.Policy,
		logger:          logger,
		sendBuffer:      sendBuffer,
		substreamBuffer: substreamBuffer,
		conns:           make(map[uint32]*connection),
	}
}

func (m *Mux) allocID() uint32 {
	for {
		id := m.nextID
		m.nextID++
		if _, used := m.conns[id]; !used {
			return id
		}
	}
}

// Open starts a connection to addr and returns its id. The outcome arrives
// later through Dispatch. A kind the policy forbids is a contract violation.
func (m *Mux) Open(addr address.Address) (uint32, error) {
	if !m.policy.Supported(addr.Kind) {
		return 0, errors.ContractViolation(errors.PhaseMux, "address kind %s is not permitted", addr.Kind)
	}

	id := m.allocID()
	c := &connection{
		id:    id,
		addr:  addr,
		class: addr.Class(),
		state: stateOpening,
	}

	if c.class == address.ClassMultiStream {
		c.substreams = make(map[uint32]*substream)
		c.multi = m.dialer.DialMulti(id, addr, m.sink)
	} else {
		c.credit = newCredit(m.sendBuffer)
		c.single = m.dialer.DialStream(id, addr, m.sink)
	}
	m.conns[id] = c

	m.logger.Debug("connection opening", zap.Uint32("conn", id), zap.Stringer("addr", addr))
	return id, nil
}

func (m *Mux) lookup(id uint32) (*connection, error) {
	c, ok := m.conns[id]
	if !ok {
		return nil, errors.New(errors.PhaseMux, errors.KindContractViolation).
			Conn(id).
			Detail("unknown connection").
			Build()
	}
	return c, nil
}

func (m *Mux) openSubstream(c *connection, stream uint32) (*substream, error) {
	sub, ok := c.substreams[stream]
	if !ok {
		return nil, errors.New(errors.PhaseMux, errors.KindContractViolation).
			Conn(c.id).
			Stream(stream).
			Detail("unknown substream").
			Build()
	}
	if sub.state != stateOpen {
		return nil, errors.New(errors.PhaseMux, errors.KindContractViolation).
			Conn(c.id).
			Stream(stream).
			Detail("substream is %s", sub.state).
			Build()
	}
	return sub, nil
}

// Send queues data on a connection (single-stream) or substream (multi-stream).
func (m *Mux) Send(conn, stream uint32, data []byte) error {
	c, err := m.lookup(conn)
	if err != nil {
		return err
	}
	if c.state != stateOpen {
		return errors.InvalidState(errors.PhaseMux, "send", "connection is "+c.state.String())
	}

	if c.multi != nil {
		sub, err := m.openSubstream(c, stream)
		if err != nil {
			return err
		}
		sub.credit.spend(len(data))
		if err := c.multi.Send(stream, data); err != nil {
			m.logger.Debug("substream send failed",
				zap.Uint32("conn", conn),
				zap.Uint32("stream", stream),
				zap.Error(err),
			)
		}
		return nil
	}

	if c.sendClosed {
		return errors.InvalidState(errors.PhaseMux, "send", "write side is closed")
	}
	c.credit.spend(len(data))
	c.single.Send(data)
	return nil
}

// SendClose half-closes a single-stream connection.
func (m *Mux) SendClose(conn, stream uint32) error {
	c, err := m.lookup(conn)
	if err != nil {
		return err
	}
	if c.multi != nil {
		return errors.WrongTransport(conn, "send close", c.class.String())
	}
	if !c.single.WriteClosable() {
		return errors.WrongTransport(conn, "send close", c.addr.Kind.String())
	}
	if c.state != stateOpen {
		return errors.InvalidState(errors.PhaseMux, "send close", "connection is "+c.state.String())
	}
	if c.sendClosed {
		return errors.InvalidState(errors.PhaseMux, "send close", "write side already closed")
	}
	c.sendClosed = true
	return c.single.CloseSend()
}

// Reset tears a connection down on the guest's request. The guest is not notified.
func (m *Mux) Reset(conn uint32) error {
	c, err := m.lookup(conn)
	if err != nil {
		return err
	}
	delete(m.conns, conn)
	c.close()
	m.logger.Debug("connection reset by guest", zap.Uint32("conn", conn))
	return nil
}

// OpenSubstream starts a local substream on an open multi-stream connection.
func (m *Mux) OpenSubstream(conn uint32) error {
	c, err := m.lookup(conn)
	if err != nil {
		return err
	}
	if c.multi == nil {
		return errors.WrongTransport(conn, "open substream", c.class.String())
	}
	if c.state != stateOpen {
		return errors.InvalidState(errors.PhaseMux, "open substream", "connection is "+c.state.String())
	}

	stream, err := c.multi.OpenSubstream()
	if err != nil {
		// Notifying here would re-enter the guest; report through the loop.
		m.sink.Post(transport.Event{Type: transport.EventReset, Conn: conn, Reason: transport.Reason(err)})
		return nil
	}
	c.substreams[stream] = &substream{
		id:       stream,
		outbound: true,
		state:    stateOpening,
		credit:   newCredit(m.substreamBuffer),
	}
	return nil
}

// ResetSubstream closes one substream on the guest's request.
func (m *Mux) ResetSubstream(conn, stream uint32) error {
	c, err := m.lookup(conn)
	if err != nil {
		return err
	}
	if c.multi == nil {
		return errors.WrongTransport(conn, "reset substream", c.class.String())
	}
	if _, ok := c.substreams[stream]; !ok {
		return errors.New(errors.PhaseMux, errors.KindContractViolation).
			Conn(conn).
			Stream(stream).
			Detail("unknown substream").
			Build()
	}
	delete(c.substreams, stream)
	c.multi.ResetSubstream(stream)
	return nil
}

// Dispatch applies one transport event and notifies the guest.
// Events for unknown ids are dropped.
func (m *Mux) Dispatch(ev transport.Event) {
	c, ok := m.conns[ev.Conn]
	if !ok {
		m.logger.Debug("dropping event for dead connection",
			zap.Uint32("conn", ev.Conn),
			zap.Stringer("event", ev.Type),
		)
		return
	}

	switch ev.Type {
	case transport.EventOpened:
		if c.single == nil || c.state != stateOpening {
			m.unexpected(c, ev)
			return
		}
		c.state = stateOpen
		initial := c.credit.grant(c.single.Buffered())
		m.guest.ConnectionOpenSingleStream(c.id, initial, c.single.WriteClosable())

	case transport.EventHandshake:
		if c.multi == nil || c.state != stateOpening {
			m.unexpected(c, ev)
			return
		}
		c.state = stateOpen
		m.guest.ConnectionOpenMultiStream(c.id, ev.Data)

	case transport.EventReset:
		m.fail(c, ev.Reason)

	case transport.EventMessage:
		if c.state != stateOpen {
			m.unexpected(c, ev)
			return
		}
		if c.multi != nil {
			sub := c.substreams[ev.Stream]
			if sub == nil || sub.state != stateOpen {
				m.unexpected(c, ev)
				return
			}
			m.guest.StreamMessage(c.id, ev.Stream, ev.Data)
			return
		}
		m.guest.StreamMessage(c.id, 0, ev.Data)

	case transport.EventWritable:
		if c.state != stateOpen {
			return
		}
		if c.multi != nil {
			sub := c.substreams[ev.Stream]
			if sub == nil || sub.state != stateOpen {
				return
			}
			if n := sub.credit.grant(c.multi.Buffered(ev.Stream)); n > 0 {
				m.guest.StreamWritableBytes(c.id, ev.Stream, n)
			}
			return
		}
		if n := c.credit.grant(c.single.Buffered()); n > 0 {
			m.guest.StreamWritableBytes(c.id, 0, n)
		}

	case transport.EventSubstreamArrived:
		if c.multi == nil || c.state != stateOpen {
			m.unexpected(c, ev)
			return
		}
		if _, dup := c.substreams[ev.Stream]; dup {
			m.unexpected(c, ev)
			return
		}
		c.substreams[ev.Stream] = &substream{
			id:     ev.Stream,
			state:  stateOpening,
			credit: newCredit(m.substreamBuffer),
		}

	case transport.EventSubstreamOpened:
		if c.multi == nil {
			m.unexpected(c, ev)
			return
		}
		sub := c.substreams[ev.Stream]
		if sub == nil || sub.state != stateOpening {
			return
		}
		sub.state = stateOpen
		initial := sub.credit.grant(c.multi.Buffered(ev.Stream))
		m.guest.StreamOpened(c.id, sub.id, sub.outbound, initial)

	case transport.EventSubstreamReset:
		if c.multi == nil {
			m.unexpected(c, ev)
			return
		}
		sub := c.substreams[ev.Stream]
		if sub == nil {
			return
		}
		if sub.state != stateOpen {
			m.fail(c, "substream closed before opening")
			return
		}
		delete(c.substreams, ev.Stream)
		m.guest.StreamReset(c.id, ev.Stream)

	default:
		m.unexpected(c, ev)
	}
}

// fail removes the connection and delivers its single reset notification.
func (m *Mux) fail(c *connection, reason string) {
	delete(m.conns, c.id)
	c.close()
	m.logger.Debug("connection reset",
		zap.Uint32("conn", c.id),
		zap.String("reason", reason),
		zap.Int("substreams", len(c.substreams)),
	)
	m.guest.ConnectionReset(c.id, reason)
}

func (m *Mux) unexpected(c *connection, ev transport.Event) {
	m.logger.Warn("unexpected transport event",
		zap.Uint32("conn", c.id),
		zap.Uint32("stream", ev.Stream),
		zap.Stringer("event", ev.Type),
		zap.Stringer("state", c.state),
	)
}

// Stats returns a snapshot of the table.
func (m *Mux) Stats() Stats {
	s := Stats{ByClass: make(map[address.Class]int)}
	for _, c := range m.conns {
		s.Connections++
		if c.state == stateOpening {
			s.Opening++
		}
		s.Substreams += len(c.substreams)
		s.ByClass[c.class]++
	}
	return s
}

// Close tears down every connection without notifying the guest.
func (m *Mux) Close() {
	for id, c := range m.conns {
		delete(m.conns, id)
		c.close()
	}
}
