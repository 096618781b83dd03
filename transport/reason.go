package transport

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/gorilla/websocket"
)

// Reason converts a transport failure into the human-readable string passed
// to the guest with a connection reset.
func Reason(err error) string {
	if err == nil {
		return "closed"
	}

	if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
		return "connection closed by remote"
	}
	if stderrors.Is(err, net.ErrClosed) {
		return "connection closed"
	}
	if stderrors.Is(err, context.Canceled) {
		return "connection attempt cancelled"
	}
	if stderrors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return "timed out"
	}

	var closeErr *websocket.CloseError
	if stderrors.As(err, &closeErr) {
		if closeErr.Text != "" {
			return "websocket closed: " + closeErr.Text
		}
		return "websocket closed by remote"
	}

	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "name not resolved: " + dnsErr.Name
		}
		return "name resolution failed: " + dnsErr.Name
	}

	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		if reason, ok := errnoReason(errno); ok {
			return reason
		}
	}

	var addrErr *net.AddrError
	if stderrors.As(err, &addrErr) {
		return "invalid address: " + addrErr.Err
	}

	return err.Error()
}

func errnoReason(errno syscall.Errno) (string, bool) {
	switch errno {
	case syscall.ECONNREFUSED:
		return "connection refused", true
	case syscall.ECONNRESET:
		return "connection reset by peer", true
	case syscall.ECONNABORTED:
		return "connection aborted", true
	case syscall.EPIPE:
		return "broken pipe", true
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH:
		return "remote unreachable", true
	case syscall.ETIMEDOUT:
		return "timed out", true
	case syscall.EACCES, syscall.EPERM:
		return "access denied", true
	case syscall.EADDRNOTAVAIL:
		return "address not available", true
	case syscall.EMFILE, syscall.ENFILE:
		return "socket limit reached", true
	default:
		return "", false
	}
}
