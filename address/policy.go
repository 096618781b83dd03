package address

// Policy is the set of transports the host refuses to open.
type Policy struct {
	ForbidTCP        bool
	ForbidWS         bool
	ForbidNonLocalWS bool
	ForbidWSS        bool
	ForbidWebRTC     bool
}

// Supported reports whether the host will open connections of kind k.
// Unknown kinds panic with a contract violation.
func (p Policy) Supported(k Kind) bool {
	switch k {
	case KindTCPIPv4, KindTCPIPv6, KindTCPDNS:
		return !p.ForbidTCP
	case KindWSIPv4, KindWSIPv6, KindWSDNS:
		return !p.ForbidNonLocalWS && !p.ForbidWS
	case KindWSLocal:
		return !p.ForbidWS
	case KindWSSDNS:
		return !p.ForbidWSS
	case KindWebRTCIPv4, KindWebRTCIPv6:
		return !p.ForbidWebRTC
	default:
		k.info()
		return false
	}
}
