package connection

import (
	"errors"
	"fmt"

	"github.com/tavru/escvpnet/internal/escvp"
)

var (
	// ErrConnectTimeout indicates the TCP connect did not complete within
	// the dial timeout.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrClosed indicates an operation on a connection that has already
	// been torn down.
	ErrClosed = errors.New("connection closed")

	// ErrCommand covers every way a request can fail after the connection
	// is up: an ERR reply, a response/request mismatch, a failed write, or
	// the connection going away while the request was pending.
	ErrCommand = errors.New("command failed")
)

// HandshakeError reports a non-OK status byte in the device's handshake echo.
type HandshakeError struct {
	Status byte
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected: %s", escvp.HandshakeStatusText(e.Status))
}
