package upstream

import "errors"

var (
	// ErrNotConnected is returned by Send while the link is not Ready.
	ErrNotConnected = errors.New("gateway not connected")
	// ErrTransport wraps dial, read, write and timeout failures.
	ErrTransport = errors.New("gateway transport failure")
	// ErrRejected means the gateway answered a request with an error.
	ErrRejected = errors.New("gateway rejected request")
	// ErrAuth means the gateway rejected the handshake.
	ErrAuth = errors.New("gateway authentication failed")
	// ErrProtocol marks frames that do not fit the wire protocol.
	ErrProtocol = errors.New("gateway protocol anomaly")
)
