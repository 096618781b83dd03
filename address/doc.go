// Package address decodes the compact binary connection addresses the guest
// passes to connection_new, and decides which address kinds the host permits.
//
// Wire format, first byte is the kind tag:
//
//	stream and message kinds: [kind][port u16 BE][hostname utf8]
//	peer kinds:               [kind][port u16 BE][fingerprint 32 bytes][ip utf8]
//
// Kind values are a closed set shared with the guest byte-for-byte. An unknown
// kind is a contract violation, not a recoverable error.
package address
