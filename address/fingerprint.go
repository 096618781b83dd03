package address

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/wippyai/wasm-netbridge/errors"
)

// FingerprintSize is the length of a SHA-256 certificate fingerprint.
const FingerprintSize = sha256.Size

// Fingerprint is the SHA-256 digest of a DTLS certificate.
type Fingerprint [FingerprintSize]byte

// SDP formats the fingerprint the way session descriptions carry it:
// uppercase hex octets separated by colons.
func (f Fingerprint) SDP() string {
	var b strings.Builder
	b.Grow(FingerprintSize*3 - 1)
	const digits = "0123456789ABCDEF"
	for i, v := range f {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteByte(digits[v>>4])
		b.WriteByte(digits[v&0x0f])
	}
	return b.String()
}

// ParseFingerprint parses the colon-separated hex form, case-insensitively.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	raw, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return f, errors.Wrap(errors.PhaseAddress, errors.KindInvalidData, err, "fingerprint is not hex")
	}
	if len(raw) != FingerprintSize {
		return f, errors.InvalidData(errors.PhaseAddress, "fingerprint must be 32 bytes")
	}
	copy(f[:], raw)
	return f, nil
}
