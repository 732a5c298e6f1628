// Package nserr defines the sentinel error kinds shared by every package in
// this module, and the small classifier interface used to turn an error
// into a short label for structured logging.
package nserr

import "errors"

// Sentinel errors surfaced by the AIO, pipe, endpoint and socket layers.
//
// Callers should compare with errors.Is; these are never reassigned and
// every wrapping site uses fmt.Errorf("%w", ...) or errors.Join so the
// original sentinel survives.
var (
	ErrNoMem        = errors.New("nanoscale: out of memory")
	ErrClosed       = errors.New("nanoscale: object closed")
	ErrStopped      = errors.New("nanoscale: object stopped")
	ErrCanceled     = errors.New("nanoscale: operation canceled")
	ErrTimedOut     = errors.New("nanoscale: operation timed out")
	ErrProto        = errors.New("nanoscale: protocol error")
	ErrMsgSize      = errors.New("nanoscale: message too large")
	ErrConnShut     = errors.New("nanoscale: connection shut down by peer")
	ErrConnRefused  = errors.New("nanoscale: connection refused")
	ErrBusy         = errors.New("nanoscale: object busy")
	ErrInvalid      = errors.New("nanoscale: invalid argument")
	ErrBadType      = errors.New("nanoscale: wrong value type for option")
	ErrAddrInUse    = errors.New("nanoscale: address in use")
	ErrAddrInvalid  = errors.New("nanoscale: invalid address")
	ErrNotSupported = errors.New("nanoscale: option not supported")
	ErrPermission   = errors.New("nanoscale: permission denied")
)

// Classifier maps an error into a short categorical string for analysis,
// never for control flow. Control flow always uses errors.Is against the
// sentinels above.
//
// Grounded on bassosimone/nop's ErrClassifier.
type Classifier interface {
	Classify(err error) string
}

// DefaultClassifier is the Classifier used when none is configured.
var DefaultClassifier Classifier = classifierFunc(classify)

type classifierFunc func(error) string

func (f classifierFunc) Classify(err error) string { return f(err) }

func classify(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrClosed):
		return "ECLOSED"
	case errors.Is(err, ErrStopped):
		return "ESTOPPED"
	case errors.Is(err, ErrCanceled):
		return "ECANCELED"
	case errors.Is(err, ErrTimedOut):
		return "ETIMEDOUT"
	case errors.Is(err, ErrProto):
		return "EPROTO"
	case errors.Is(err, ErrMsgSize):
		return "EMSGSIZE"
	case errors.Is(err, ErrConnShut):
		return "ECONNSHUT"
	case errors.Is(err, ErrConnRefused):
		return "ECONNREFUSED"
	case errors.Is(err, ErrBusy):
		return "EBUSY"
	case errors.Is(err, ErrInvalid):
		return "EINVAL"
	case errors.Is(err, ErrBadType):
		return "EBADTYPE"
	case errors.Is(err, ErrAddrInUse):
		return "EADDRINUSE"
	case errors.Is(err, ErrAddrInvalid):
		return "EADDRINVAL"
	case errors.Is(err, ErrNotSupported):
		return "ENOTSUP"
	case errors.Is(err, ErrNoMem):
		return "ENOMEM"
	case errors.Is(err, ErrPermission):
		return "EPERM"
	default:
		return "EOTHER"
	}
}
