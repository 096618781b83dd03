package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-netbridge/address"
	"github.com/wippyai/wasm-netbridge/errors"
)

// HandshakeWebRTC is the handshake type byte preceding the local certificate
// fingerprint in EventHandshake data.
const HandshakeWebRTC byte = 0

const iceValueBytes = 12

// WebRTCOptions configures peer connections.
type WebRTCOptions struct {
	ICEServers    []webrtc.ICEServer
	LoggerFactory logging.LoggerFactory
	Logger        *zap.Logger
}

type dataChannel struct {
	dc       *webrtc.DataChannel
	outbound bool
	openOnce sync.Once
}

// PeerConn is the multi-stream adapter backed by a pion PeerConnection.
// Substream ids are assigned locally in creation order, starting at 0.
type PeerConn struct {
	id     uint32
	sink   Sink
	logger *zap.Logger
	remote address.Address

	ufrag string
	local address.Fingerprint

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	channels    map[uint32]*dataChannel
	nextStream  uint32
	negotiated  bool
	closed      atomic.Bool
	established atomic.Bool
	resetOnce   sync.Once

	// negotiations counts completed offer/answer rounds.
	negotiations atomic.Uint32
}

var _ MultiStream = (*PeerConn)(nil)

// DialWebRTC starts a peer connection to addr and returns immediately. The
// handshake event, carrying the local certificate fingerprint, is posted
// before any substream event. Failures are posted as EventReset.
func DialWebRTC(id uint32, addr address.Address, sink Sink, opts WebRTCOptions) *PeerConn {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &PeerConn{
		id:       id,
		sink:     sink,
		logger:   logger,
		remote:   addr,
		channels: make(map[uint32]*dataChannel),
	}
	go p.setup(opts)
	return p
}

// LocalFingerprint returns the SHA-256 fingerprint of the local certificate.
// Valid once EventHandshake has been posted.
func (p *PeerConn) LocalFingerprint() address.Fingerprint {
	return p.local
}

func (p *PeerConn) setup(opts WebRTCOptions) {
	ip, ok := p.remote.IP()
	if !ok {
		p.fail("remote is not an ip address: " + p.remote.Host)
		return
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		p.fail(Reason(err))
		return
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		p.fail(Reason(err))
		return
	}

	value := make([]byte, iceValueBytes)
	if _, err := rand.Read(value); err != nil {
		p.fail(Reason(err))
		return
	}
	p.ufrag = ICEPrefix + hex.EncodeToString(value)

	var settings webrtc.SettingEngine
	if opts.LoggerFactory != nil {
		settings.LoggerFactory = opts.LoggerFactory
	}
	settings.SetICECredentials(p.ufrag, p.ufrag)
	if ip.IsLoopback() {
		settings.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))

	config := webrtc.Configuration{
		ICEServers:   opts.ICEServers,
		Certificates: []webrtc.Certificate{*cert},
	}

	p.local, err = certificateFingerprint(api, config, cert)
	if err != nil {
		p.fail(Reason(err))
		return
	}

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		p.fail(Reason(err))
		return
	}

	pc.OnNegotiationNeeded(p.negotiate)
	pc.OnConnectionStateChange(p.stateChanged)
	pc.OnDataChannel(p.inbound)

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		go func() { _ = pc.Close() }()
		return
	}
	p.pc = pc
	p.mu.Unlock()

	handshake := make([]byte, 0, 1+address.FingerprintSize)
	handshake = append(handshake, HandshakeWebRTC)
	handshake = append(handshake, p.local[:]...)
	p.post(Event{Type: EventHandshake, Conn: p.id, Data: handshake})
}

// certificateFingerprint asks pion for the certificate's sha-256 fingerprint
// and falls back to reading it back from a throwaway local offer.
func certificateFingerprint(api *webrtc.API, config webrtc.Configuration, cert *webrtc.Certificate) (address.Fingerprint, error) {
	fingerprints, err := cert.GetFingerprints()
	if err == nil {
		for _, fp := range fingerprints {
			if strings.EqualFold(fp.Algorithm, "sha-256") {
				return address.ParseFingerprint(fp.Value)
			}
		}
	}

	probe, err := api.NewPeerConnection(config)
	if err != nil {
		return address.Fingerprint{}, err
	}
	defer func() { _ = probe.Close() }()

	if _, err := probe.CreateDataChannel("probe", nil); err != nil {
		return address.Fingerprint{}, err
	}
	offer, err := probe.CreateOffer(nil)
	if err != nil {
		return address.Fingerprint{}, err
	}
	return fingerprintFromSDP(offer.SDP)
}

// negotiate runs on every negotiation-needed callback: the local offer is
// applied and the remote answer is synthesized rather than exchanged.
func (p *PeerConn) negotiate() {
	if p.closed.Load() {
		return
	}
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		p.fail("create offer: " + Reason(err))
		return
	}
	offer.SDP = mungeOffer(offer.SDP, p.ufrag, p.ufrag)
	if err := pc.SetLocalDescription(offer); err != nil {
		p.fail("set local description: " + Reason(err))
		return
	}

	ip, _ := p.remote.IP()
	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  SynthesizeAnswer(ip, p.remote.Port, p.remote.Fingerprint, p.ufrag),
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		p.fail("set remote description: " + Reason(err))
		return
	}
	p.logger.Debug("negotiated",
		zap.Uint32("conn", p.id),
		zap.Uint32("round", p.negotiations.Add(1)),
	)
}

func (p *PeerConn) stateChanged(state webrtc.PeerConnectionState) {
	p.logger.Debug("peer connection state",
		zap.Uint32("conn", p.id),
		zap.String("state", state.String()),
	)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.established.Store(true)
	case webrtc.PeerConnectionStateFailed:
		p.fail("webrtc connection failed")
	case webrtc.PeerConnectionStateClosed:
		p.fail("webrtc connection closed")
	}
}

func (p *PeerConn) inbound(dc *webrtc.DataChannel) {
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		_ = dc.Close()
		return
	}
	stream := p.nextStream
	p.nextStream++
	ch := &dataChannel{dc: dc}
	p.channels[stream] = ch
	p.mu.Unlock()

	p.post(Event{Type: EventSubstreamArrived, Conn: p.id, Stream: stream})
	p.attach(stream, ch)
}

// OpenSubstream creates a local data channel. The first one is the
// pre-negotiated channel with id 0.
func (p *PeerConn) OpenSubstream() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() || p.pc == nil {
		return 0, errors.InvalidState(errors.PhaseTransport, "open substream", "peer connection not ready")
	}

	var init *webrtc.DataChannelInit
	if !p.negotiated {
		negotiated := true
		var zero uint16
		init = &webrtc.DataChannelInit{Negotiated: &negotiated, ID: &zero}
	}

	dc, err := p.pc.CreateDataChannel("", init)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseTransport, errors.KindInvalidState, err, "create data channel")
	}
	p.negotiated = true

	stream := p.nextStream
	p.nextStream++
	ch := &dataChannel{dc: dc, outbound: true}
	p.channels[stream] = ch
	p.attach(stream, ch)
	return stream, nil
}

func (p *PeerConn) attach(stream uint32, ch *dataChannel) {
	dc := ch.dc
	dc.SetBufferedAmountLowThreshold(0)
	dc.OnOpen(func() { p.announceOpen(stream, ch) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.announceOpen(stream, ch)
		p.post(Event{
			Type:   EventMessage,
			Conn:   p.id,
			Stream: stream,
			Data:   append([]byte(nil), msg.Data...),
		})
	})
	dc.OnBufferedAmountLow(func() {
		p.post(Event{Type: EventWritable, Conn: p.id, Stream: stream})
	})
	dc.OnError(func(err error) {
		p.logger.Debug("data channel error",
			zap.Uint32("conn", p.id),
			zap.Uint32("stream", stream),
			zap.Error(err),
		)
		p.channelClosed(stream)
		_ = dc.Close()
	})
	dc.OnClose(func() { p.channelClosed(stream) })
}

func (p *PeerConn) announceOpen(stream uint32, ch *dataChannel) {
	ch.openOnce.Do(func() {
		p.post(Event{Type: EventSubstreamOpened, Conn: p.id, Stream: stream, Outbound: ch.outbound})
	})
}

func (p *PeerConn) channelClosed(stream uint32) {
	p.mu.Lock()
	_, ok := p.channels[stream]
	delete(p.channels, stream)
	p.mu.Unlock()
	if ok {
		p.post(Event{Type: EventSubstreamReset, Conn: p.id, Stream: stream})
	}
}

func detach(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {})
	dc.OnMessage(func(webrtc.DataChannelMessage) {})
	dc.OnBufferedAmountLow(func() {})
	dc.OnError(func(error) {})
	dc.OnClose(func() {})
}

// Send writes data on a substream.
func (p *PeerConn) Send(stream uint32, data []byte) error {
	p.mu.Lock()
	ch := p.channels[stream]
	p.mu.Unlock()
	if ch == nil {
		return errors.NotFound(errors.PhaseTransport, "substream", stream)
	}
	return ch.dc.Send(data)
}

// Buffered returns the bytes queued on a substream's data channel.
func (p *PeerConn) Buffered(stream uint32) int {
	p.mu.Lock()
	ch := p.channels[stream]
	p.mu.Unlock()
	if ch == nil {
		return 0
	}
	return int(ch.dc.BufferedAmount())
}

// ResetSubstream closes one data channel without posting events for it.
func (p *PeerConn) ResetSubstream(stream uint32) {
	p.mu.Lock()
	ch := p.channels[stream]
	delete(p.channels, stream)
	p.mu.Unlock()
	if ch == nil {
		return
	}
	detach(ch.dc)
	_ = ch.dc.Close()
}

// Close detaches every listener and then releases the peer connection.
func (p *PeerConn) Close() {
	if p.closed.Swap(true) {
		return
	}

	p.mu.Lock()
	pc := p.pc
	channels := p.channels
	p.channels = make(map[uint32]*dataChannel)
	p.mu.Unlock()

	for _, ch := range channels {
		detach(ch.dc)
	}
	if pc == nil {
		return
	}
	pc.OnNegotiationNeeded(func() {})
	pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
	pc.OnDataChannel(func(*webrtc.DataChannel) {})

	// Closed even when never established; pion otherwise keeps its ICE and
	// DTLS goroutines alive. Errors are only logged for established sessions.
	established := p.established.Load()
	go func() {
		if err := pc.Close(); err != nil && established {
			p.logger.Debug("close peer connection", zap.Uint32("conn", p.id), zap.Error(err))
		}
	}()
}

func (p *PeerConn) post(ev Event) {
	if p.closed.Load() {
		return
	}
	p.sink.Post(ev)
}

func (p *PeerConn) fail(reason string) {
	p.resetOnce.Do(func() {
		p.logger.Debug("peer connection reset", zap.Uint32("conn", p.id), zap.String("reason", reason))
		p.post(Event{Type: EventReset, Conn: p.id, Reason: reason})
		p.Close()
	})
}
