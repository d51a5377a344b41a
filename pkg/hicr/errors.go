package hicr

import "fmt"

// Kind classifies an Error by the recovery policy described in the
// runtime's error-handling design: local/recoverable kinds are returned
// synchronously for the caller to retry; programmer-error kinds are
// fatal and leave the system in a defined pre-operation state.
type Kind int

const (
	// InvalidArgument covers zero sizes, null pointers, zero capacities,
	// and mismatched token/destination sizes. Caller fixes the call.
	InvalidArgument Kind = iota
	// OutOfRange is raised when a memcpy or memset offset+size exceeds
	// slot bounds, and by a channel peek past the current depth.
	OutOfRange
	// NotFound is raised by getGlobalMemorySlot for an unexchanged (tag,key).
	NotFound
	// DuplicateKey is raised when two participants register the same (tag,key).
	DuplicateKey
	// Unsupported is raised when a backend lacks the requested operation.
	Unsupported
	// Full is raised by channel push when the channel cannot fit the message.
	Full
	// Empty is raised by channel pop/peek when there is nothing to consume.
	Empty
	// OutOfMemory is raised when a backend cannot satisfy an allocation.
	OutOfMemory
	// LockNotAcquired is raised when acquireGlobalLock uses try-lock semantics.
	LockNotAcquired
	// BackendFailure is raised when the underlying transport reports an
	// unrecoverable error.
	BackendFailure
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case OutOfRange:
		return "OutOfRange"
	case NotFound:
		return "NotFound"
	case DuplicateKey:
		return "DuplicateKey"
	case Unsupported:
		return "Unsupported"
	case Full:
		return "Full"
	case Empty:
		return "Empty"
	case OutOfMemory:
		return "OutOfMemory"
	case LockNotAcquired:
		return "LockNotAcquired"
	case BackendFailure:
		return "BackendFailure"
	default:
		return "Unknown"
	}
}

// Recoverable reports whether a caller may retry after this kind of error
// without additional corrective action, per the propagation policy: Full,
// Empty and LockNotAcquired are local and recoverable; everything else is
// either a programmer error or a fatal backend condition.
func (k Kind) Recoverable() bool {
	switch k {
	case Full, Empty, LockNotAcquired:
		return true
	default:
		return false
	}
}

// Error is the single error type raised by every HCR package. It carries
// a Kind for programmatic branching, a message, optional context, and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Code returns the error's Kind, allowing errors.As-style extraction:
//
//	var herr *hicr.Error
//	if errors.As(err, &herr) { switch herr.Kind { ... } }
func (e *Error) Code() Kind { return e.Kind }

// WithContext attaches a key-value diagnostic to the error and returns it.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Context: make(map[string]interface{})}
}

func wrapError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause, Context: make(map[string]interface{})}
}

// Constructors mirroring the error table in the error-handling design.

func ErrInvalidArgument(message string) *Error { return newError(InvalidArgument, message) }

func ErrOutOfRange(offset, size, bound uint64) *Error {
	return newError(OutOfRange, "offset+size exceeds slot bounds").
		WithContext("offset", offset).WithContext("size", size).WithContext("bound", bound)
}

func ErrNotFound(tag uint64, key uint64) *Error {
	return newError(NotFound, "global memory slot not registered for (tag,key)").
		WithContext("tag", tag).WithContext("key", key)
}

func ErrDuplicateKey(tag uint64, key uint64) *Error {
	return newError(DuplicateKey, "duplicate (tag,key) across exchange participants").
		WithContext("tag", tag).WithContext("key", key)
}

func ErrUnsupported(operation string) *Error {
	return newError(Unsupported, "backend does not support operation").
		WithContext("operation", operation)
}

func ErrFull(capacity uint64) *Error {
	return newError(Full, "channel cannot satisfy push").WithContext("capacity", capacity)
}

func ErrEmpty() *Error { return newError(Empty, "channel has nothing to consume") }

func ErrOutOfMemory(requested uint64) *Error {
	return newError(OutOfMemory, "backend cannot satisfy allocation").
		WithContext("requested", requested)
}

func ErrLockNotAcquired(reason string) *Error {
	return newError(LockNotAcquired, "global lock not acquired: "+reason)
}

func ErrBackendFailure(operation string, cause error) *Error {
	return wrapError(BackendFailure, "backend reported an unrecoverable error", cause).
		WithContext("operation", operation)
}
