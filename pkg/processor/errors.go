package processor

import "errors"

var (
	// ErrProtocolViolation reports a misuse of the port protocol, such as a
	// push onto a port that still holds data. It is fatal to the pipeline.
	ErrProtocolViolation = errors.New("port protocol violation")

	// ErrWouldBlock is returned by Pull on an empty port. It is a backpressure
	// signal, not a failure.
	ErrWouldBlock = errors.New("port is empty")

	// ErrEndOfStream is returned by Pull when the producer finished cleanly.
	ErrEndOfStream = errors.New("end of stream")

	// ErrAlreadyConnected is returned by Connect when either side already has a peer.
	ErrAlreadyConnected = errors.New("port already connected")
)
