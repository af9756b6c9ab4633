package nowlink

import "github.com/pkg/errors"

var (
	// ErrSend indicates the transport refused a frame. Table changes made by
	// the same operation before the failure are kept.
	ErrSend = errors.New("failed to send frame")
	// ErrRegister indicates the transport refused the receive callback.
	ErrRegister = errors.New("failed to register with transport")
	// ErrTableFull indicates every link table slot is in use.
	ErrTableFull = errors.New("link table is full")
	// ErrAlreadyKnown indicates the peer already occupies a slot.
	ErrAlreadyKnown = errors.New("peer is already known")
	// ErrExpired indicates a provisional reservation was confirmed after its
	// reservation window closed. The slot has been released.
	ErrExpired = errors.New("reservation expired")
	// ErrStale indicates a reply carried the correlation id of an exchange whose
	// window has already closed.
	ErrStale = errors.New("stale correlation id")
	// ErrLockTimeout indicates the link table lock could not be taken within the
	// configured number of bounded attempts.
	ErrLockTimeout = errors.New("timed out waiting for the link table")
	// ErrStopped indicates the engine is not running.
	ErrStopped = errors.New("engine is not running")

	errExchangeInProgress = errors.New("an exchange of this kind is already open")
	errNoExchange         = errors.New("no matching exchange")
)

// Error codes returned by Code.
const (
	CodeOK           = 0
	CodeSend         = -1
	CodeRegister     = -2
	CodeTableFull    = -3
	CodeAlreadyKnown = -4
	CodeExpired      = -5
	CodeStale        = -6
	CodeLockTimeout  = -7
	CodeStopped      = -8
	CodeUnknown      = -127
)

// Code maps an error returned by this package to the coarse signed code
// reported to command line users. A nil error is CodeOK.
func Code(err error) int {
	if err == nil {
		return CodeOK
	}
	switch errors.Cause(err) {
	case ErrSend:
		return CodeSend
	case ErrRegister:
		return CodeRegister
	case ErrTableFull:
		return CodeTableFull
	case ErrAlreadyKnown:
		return CodeAlreadyKnown
	case ErrExpired:
		return CodeExpired
	case ErrStale:
		return CodeStale
	case ErrLockTimeout:
		return CodeLockTimeout
	case ErrStopped:
		return CodeStopped
	}
	return CodeUnknown
}
