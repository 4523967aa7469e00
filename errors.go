package photo

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures. Only KindInitialization is fatal to the
// process; every other kind is absorbed at the operation boundary.
type Kind int

const (
	KindInitialization Kind = iota + 1
	KindDeviceCommand
	KindEnumeration
	KindDownload
	KindDeviceCleanup
)

func (k Kind) String() string {
	switch k {
	case KindInitialization:
		return "initialization"
	case KindDeviceCommand:
		return "device_command"
	case KindEnumeration:
		return "enumeration"
	case KindDownload:
		return "download"
	case KindDeviceCleanup:
		return "device_cleanup"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against any *OpError of the same kind.
var (
	ErrInitialization = &OpError{Kind: KindInitialization}
	ErrDeviceCommand  = &OpError{Kind: KindDeviceCommand}
	ErrEnumeration    = &OpError{Kind: KindEnumeration}
	ErrDownload       = &OpError{Kind: KindDownload}
	ErrDeviceCleanup  = &OpError{Kind: KindDeviceCleanup}

	// ErrNoSession is returned when an operation needs a Ready session.
	ErrNoSession = errors.New("no ready device session")
)

// OpError records the failing operation, its kind and the underlying cause.
type OpError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *OpError) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String() + " error"
	case e.Err == nil:
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *OpError) Unwrap() error { return e.Err }

// Is matches any *OpError with the same Kind so sentinels work with errors.Is.
func (e *OpError) Is(target error) bool {
	t, ok := target.(*OpError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

func opError(kind Kind, op string, err error) error {
	return &OpError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *OpError in err's chain, or 0.
func KindOf(err error) Kind {
	var op *OpError
	if errors.As(err, &op) {
		return op.Kind
	}
	return 0
}
