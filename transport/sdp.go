package transport

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/wippyai/wasm-netbridge/address"
	"github.com/wippyai/wasm-netbridge/errors"
)

// ICEPrefix is prepended to the locally generated value to form both the
// ICE username fragment and password. The remote derives the same strings.
const ICEPrefix = "libp2p+webrtc+v1/"

// SynthesizeAnswer builds the session description describing the remote
// side of a peer connection. The remote is an ICE-lite DTLS server whose ICE
// credentials equal the local ones.
func SynthesizeAnswer(ip netip.Addr, port uint16, fingerprint address.Fingerprint, ufrag string) string {
	ipVersion := "4"
	if ip.Is6() && !ip.Is4In6() {
		ipVersion = "6"
	}
	host := ip.Unmap().String()
	portStr := strconv.Itoa(int(port))

	lines := []string{
		"v=0",
		"o=- 0 0 IN IP" + ipVersion + " " + host,
		"s=-",
		"t=0 0",
		"a=ice-lite",
		"m=application " + portStr + " UDP/DTLS/SCTP webrtc-datachannel",
		"c=IN IP" + ipVersion + " " + host,
		"a=mid:0",
		"a=ice-options:ice2",
		"a=ice-ufrag:" + ufrag,
		"a=ice-pwd:" + ufrag,
		"a=fingerprint:sha-256 " + fingerprint.SDP(),
		"a=setup:passive",
		"a=sctp-port:5000",
		"a=max-message-size:16384",
		"a=candidate:1 1 UDP 1 " + host + " " + portStr + " typ host",
	}
	return strings.Join(lines, "\n") + "\n"
}

// mungeOffer replaces the ICE credentials in a locally generated offer.
func mungeOffer(offer, ufrag, pwd string) string {
	lines := strings.SplitAfter(offer, "\n")
	for i, line := range lines {
		body := strings.TrimRight(line, "\r\n")
		ending := line[len(body):]
		switch {
		case strings.HasPrefix(body, "a=ice-ufrag:"):
			lines[i] = "a=ice-ufrag:" + ufrag + ending
		case strings.HasPrefix(body, "a=ice-pwd:"):
			lines[i] = "a=ice-pwd:" + pwd + ending
		}
	}
	return strings.Join(lines, "")
}

// fingerprintFromSDP extracts the sha-256 certificate fingerprint from a
// session description, looking at session-level attributes first.
func fingerprintFromSDP(text string) (address.Fingerprint, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(text)); err != nil {
		return address.Fingerprint{}, errors.Wrap(errors.PhaseTransport, errors.KindInvalidData, err, "parse local offer")
	}

	candidates := make([]string, 0, 1+len(desc.MediaDescriptions))
	if v, ok := desc.Attribute("fingerprint"); ok {
		candidates = append(candidates, v)
	}
	for _, media := range desc.MediaDescriptions {
		if v, ok := media.Attribute("fingerprint"); ok {
			candidates = append(candidates, v)
		}
	}

	for _, v := range candidates {
		algo, value, ok := strings.Cut(strings.TrimSpace(v), " ")
		if !ok || !strings.EqualFold(algo, "sha-256") {
			continue
		}
		return address.ParseFingerprint(strings.TrimSpace(value))
	}
	return address.Fingerprint{}, errors.InvalidData(errors.PhaseTransport, "local offer carries no sha-256 fingerprint")
}
