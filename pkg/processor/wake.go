package processor

import (
	"github.com/oklog/ulid/v2"
)

// WakeToken identifies an asynchronous wait. A processor that reports
// StatusWaitingOnAsync is parked under its token until someone signals it.
type WakeToken ulid.ULID

// NewWakeToken returns a fresh, unique token.
func NewWakeToken() WakeToken {
	return WakeToken(ulid.Make())
}

func (t WakeToken) String() string { return ulid.ULID(t).String() }

// Waker re-queues processors parked on a token. Implementations must be safe
// for use from any goroutine.
type Waker interface {
	Signal(token WakeToken)
}
