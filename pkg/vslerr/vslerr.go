// Package vslerr defines the error taxonomy shared by every VideoStream
// component. Errors are sentinel values so callers use errors.Is rather
// than matching on string text, and a Kind can be recovered from any
// wrapped error for encoding onto the wire (see KindOf and Kind.Err).
package vslerr

import "errors"

var (
	// ErrBadArg is returned for null or invalid caller input.
	ErrBadArg = errors.New("vsl: bad argument")
	// ErrNoMemory is returned when the allocator shim fails to allocate backing memory.
	ErrNoMemory = errors.New("vsl: no memory")
	// ErrUnsupported is returned for an unrecognized fourcc with no stride override,
	// or when no DMA heap and no shm path are available.
	ErrUnsupported = errors.New("vsl: unsupported")
	// ErrTimeout is returned when a watchdog fires or a client "until" deadline is not met.
	ErrTimeout = errors.New("vsl: timeout")
	// ErrClosed is returned when the peer has closed the connection.
	ErrClosed = errors.New("vsl: closed")
	// ErrNotConnected is returned when a client is between reconnect attempts
	// and reconnect is disabled.
	ErrNotConnected = errors.New("vsl: not connected")
	// ErrBadMessage is returned for a short read or malformed control record.
	ErrBadMessage = errors.New("vsl: bad message")
	// ErrBadFd is returned when a received fd is 0 (stdin hazard) or an attach fd is <= 0.
	ErrBadFd = errors.New("vsl: bad fd")
	// ErrExpired is returned when the targeted frame has already expired.
	ErrExpired = errors.New("vsl: expired")
	// ErrExists is the client-side error conveyed when a lock is requested on
	// an already-expired frame.
	ErrExists = errors.New("vsl: exists")
	// ErrTooManyLocks is returned when a client's lock quota is exhausted.
	ErrTooManyLocks = errors.New("vsl: too many locks")
	// ErrInvalidControl is returned for an unknown control op.
	ErrInvalidControl = errors.New("vsl: invalid control")
)

// Kind is the wire encoding of an error, carried in FrameEvent.Error.
type Kind int32

const (
	// KindNone marks a FrameEvent that carries no error (a broadcast frame
	// or a successful control response).
	KindNone Kind = iota
	KindBadArg
	KindNoMemory
	KindUnsupported
	KindTimeout
	KindClosed
	KindNotConnected
	KindBadMessage
	KindBadFd
	KindExpired
	KindExists
	KindTooManyLocks
	KindInvalidControl
)

var kindToErr = map[Kind]error{
	KindNone:           nil,
	KindBadArg:         ErrBadArg,
	KindNoMemory:       ErrNoMemory,
	KindUnsupported:    ErrUnsupported,
	KindTimeout:        ErrTimeout,
	KindClosed:         ErrClosed,
	KindNotConnected:   ErrNotConnected,
	KindBadMessage:     ErrBadMessage,
	KindBadFd:          ErrBadFd,
	KindExpired:        ErrExpired,
	KindExists:         ErrExists,
	KindTooManyLocks:   ErrTooManyLocks,
	KindInvalidControl: ErrInvalidControl,
}

var errToKind = map[error]Kind{
	ErrBadArg:         KindBadArg,
	ErrNoMemory:       KindNoMemory,
	ErrUnsupported:    KindUnsupported,
	ErrTimeout:        KindTimeout,
	ErrClosed:         KindClosed,
	ErrNotConnected:   KindNotConnected,
	ErrBadMessage:     KindBadMessage,
	ErrBadFd:          KindBadFd,
	ErrExpired:        KindExpired,
	ErrExists:         KindExists,
	ErrTooManyLocks:   KindTooManyLocks,
	ErrInvalidControl: KindInvalidControl,
}

// Err returns the sentinel error for a wire Kind, or nil for KindNone.
func (k Kind) Err() error {
	if err, ok := kindToErr[k]; ok {
		return err
	}
	return ErrInvalidControl
}

// String implements fmt.Stringer for diagnostics and logging.
func (k Kind) String() string {
	if err := k.Err(); err != nil {
		return err.Error()
	}
	return "none"
}

// KindOf maps a sentinel error (checked with errors.Is against the known
// taxonomy) back to its wire Kind. Unknown errors map to KindInvalidControl
// since every public operation is documented to return one of the named
// sentinels.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for sentinel, kind := range errToKind {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInvalidControl
}
