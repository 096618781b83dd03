package address

import (
	"encoding/binary"
	"net"
	"net/netip"
	"strconv"
	"unicode/utf8"

	"github.com/wippyai/wasm-netbridge/errors"
)

// Kind is the address-kind tag
type Kind uint8

const (
	KindTCPIPv4    Kind = 0
	KindTCPIPv6    Kind = 1
	KindTCPDNS     Kind = 2
	KindWSIPv4     Kind = 4
	KindWSIPv6     Kind = 5
	KindWSDNS      Kind = 6
	KindWSLocal    Kind = 7
	KindWSSDNS     Kind = 14
	KindWebRTCIPv4 Kind = 16
	KindWebRTCIPv6 Kind = 17
)

// Kinds lists every known kind in tag order.
var Kinds = []Kind{
	KindTCPIPv4, KindTCPIPv6, KindTCPDNS,
	KindWSIPv4, KindWSIPv6, KindWSDNS, KindWSLocal, KindWSSDNS,
	KindWebRTCIPv4, KindWebRTCIPv6,
}

// Class is the transport family an address kind maps to.
type Class uint8

const (
	ClassStream      Class = iota + 1 // byte stream, single substream
	ClassMessage                      // framed messages, single substream
	ClassMultiStream                  // many substreams, no connection-level data path
)

func (c Class) String() string {
	switch c {
	case ClassStream:
		return "stream"
	case ClassMessage:
		return "message"
	case ClassMultiStream:
		return "multi-stream"
	default:
		return "unknown"
	}
}

// Known reports whether k is part of the closed enumeration.
func (k Kind) Known() bool {
	_, ok := kindInfo[k]
	return ok
}

// Class returns the transport family of k. Panics on an unknown kind.
func (k Kind) Class() Class {
	return k.info().class
}

func (k Kind) String() string {
	info, ok := kindInfo[k]
	if !ok {
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
	return info.name
}

func (k Kind) info() kindMeta {
	info, ok := kindInfo[k]
	if !ok {
		panic(errors.ContractViolation(errors.PhaseAddress, "unknown address kind %d", uint8(k)))
	}
	return info
}

type hostForm uint8

const (
	hostIPv4 hostForm = iota
	hostIPv6
	hostName
)

type kindMeta struct {
	name   string
	class  Class
	host   hostForm
	secure bool
}

var kindInfo = map[Kind]kindMeta{
	KindTCPIPv4:    {"tcp/ip4", ClassStream, hostIPv4, false},
	KindTCPIPv6:    {"tcp/ip6", ClassStream, hostIPv6, false},
	KindTCPDNS:     {"tcp/dns", ClassStream, hostName, false},
	KindWSIPv4:     {"ws/ip4", ClassMessage, hostIPv4, false},
	KindWSIPv6:     {"ws/ip6", ClassMessage, hostIPv6, false},
	KindWSDNS:      {"ws/dns", ClassMessage, hostName, false},
	KindWSLocal:    {"ws/local", ClassMessage, hostName, false},
	KindWSSDNS:     {"wss/dns", ClassMessage, hostName, true},
	KindWebRTCIPv4: {"webrtc/ip4", ClassMultiStream, hostIPv4, false},
	KindWebRTCIPv6: {"webrtc/ip6", ClassMultiStream, hostIPv6, false},
}

// Address is a decoded connection target.
type Address struct {
	Kind Kind
	// Host is a hostname or an IP literal, depending on Kind.
	Host string
	Port uint16
	// Fingerprint is set for multi-stream kinds only.
	Fingerprint Fingerprint
}

// Class returns the transport family of the address.
func (a Address) Class() Class {
	return a.Kind.Class()
}

// HostPort returns host:port suitable for net.Dial.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// URL returns the websocket URL for message kinds and "" otherwise.
func (a Address) URL() string {
	if a.Class() != ClassMessage {
		return ""
	}
	scheme := "ws://"
	if a.Kind.info().secure {
		scheme = "wss://"
	}
	return scheme + a.HostPort()
}

// IP returns the parsed IP literal for IP kinds.
func (a Address) IP() (netip.Addr, bool) {
	ip, err := netip.ParseAddr(a.Host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip, true
}

func (a Address) String() string {
	return a.Kind.String() + " " + a.HostPort()
}

// Decode parses the wire encoding. An unknown kind tag panics with a
// contract violation; every other malformation returns an error.
func Decode(b []byte) (Address, error) {
	if len(b) < 3 {
		return Address{}, errors.InvalidData(errors.PhaseAddress, "address shorter than 3 bytes")
	}

	kind := Kind(b[0])
	meta := kind.info()

	addr := Address{
		Kind: kind,
		Port: binary.BigEndian.Uint16(b[1:3]),
	}
	rest := b[3:]

	if meta.class == ClassMultiStream {
		if len(rest) < FingerprintSize {
			return Address{}, errors.InvalidData(errors.PhaseAddress, "peer address missing certificate fingerprint")
		}
		copy(addr.Fingerprint[:], rest[:FingerprintSize])
		rest = rest[FingerprintSize:]
	}

	if len(rest) == 0 {
		return Address{}, errors.InvalidData(errors.PhaseAddress, "empty host")
	}
	if !utf8.Valid(rest) {
		return Address{}, errors.InvalidData(errors.PhaseAddress, "host is not valid utf-8")
	}
	addr.Host = string(rest)

	if err := checkHost(addr.Host, meta.host); err != nil {
		return Address{}, err
	}
	return addr, nil
}

func checkHost(host string, form hostForm) error {
	if form == hostName {
		return nil
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return errors.Wrap(errors.PhaseAddress, errors.KindInvalidData, err, "host is not an ip literal")
	}
	if form == hostIPv4 && !ip.Is4() {
		return errors.InvalidData(errors.PhaseAddress, "expected ipv4 literal, got "+host)
	}
	if form == hostIPv6 && (!ip.Is6() || ip.Is4In6()) {
		return errors.InvalidData(errors.PhaseAddress, "expected ipv6 literal, got "+host)
	}
	return nil
}

// Encode returns the wire encoding of a.
func Encode(a Address) []byte {
	meta := a.Kind.info()

	size := 3 + len(a.Host)
	if meta.class == ClassMultiStream {
		size += FingerprintSize
	}
	out := make([]byte, 3, size)
	out[0] = byte(a.Kind)
	binary.BigEndian.PutUint16(out[1:3], a.Port)
	if meta.class == ClassMultiStream {
		out = append(out, a.Fingerprint[:]...)
	}
	return append(out, a.Host...)
}
