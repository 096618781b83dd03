package errors

import (
	"fmt"
	"sort"
	"strings"
)

// Phase indicates which layer of the bridge produced the error
type Phase string

const (
	PhaseAddress   Phase = "address"   // address wire decoding
	PhaseBuffer    Phase = "buffer"    // buffer registry access
	PhaseHost      Phase = "host"      // host functions called by the guest
	PhaseGuest     Phase = "guest"     // calls into the guest
	PhaseTransport Phase = "transport" // network adapters
	PhaseMux       Phase = "mux"       // connection multiplexer
	PhaseSchedule  Phase = "schedule"  // execution scheduler
	PhaseLoad      Phase = "load"      // module loading
	PhaseConfig    Phase = "config"    // configuration
)

// Kind categorizes the error
type Kind string

const (
	KindInvalidData       Kind = "invalid_data"
	KindUnsupported       Kind = "unsupported"
	KindNotFound          Kind = "not_found"
	KindInvalidState      Kind = "invalid_state"
	KindWrongTransport    Kind = "wrong_transport"
	KindContractViolation Kind = "contract_violation"
	KindGuestDead         Kind = "guest_dead"
	KindGuestPanic        Kind = "guest_panic"
	KindInstantiation     Kind = "instantiation"
	KindOutOfBounds       Kind = "out_of_bounds"
	KindMissingExport     Kind = "missing_export"
	KindInvalidInput      Kind = "invalid_input"
)

// ErrGuestDead is returned by every bridge entry point once the guest has panicked.
var ErrGuestDead = &Error{Phase: PhaseGuest, Kind: KindGuestDead, Detail: "guest instance is dead"}

// Error is the structured error type used throughout the bridge
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	// Conn and Stream identify the connection/substream involved, if any.
	Conn   *uint32
	Stream *uint32
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Conn != nil {
		fmt.Fprintf(&b, " conn=%d", *e.Conn)
	}
	if e.Stream != nil {
		fmt.Fprintf(&b, " stream=%d", *e.Stream)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// IsContractViolation reports whether err is a bridge or guest programming error.
// Such errors are never recovered from.
func IsContractViolation(err error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == KindContractViolation {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Conn sets the connection id
func (b *Builder) Conn(id uint32) *Builder {
	b.err.Conn = &id
	return b
}

// Stream sets the substream id
func (b *Builder) Stream(id uint32) *Builder {
	b.err.Stream = &id
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// ContractViolation creates a programming-error class error.
func ContractViolation(phase Phase, detail string, args ...any) *Error {
	return New(phase, KindContractViolation).Detail(detail, args...).Build()
}

// WrongTransport creates an error for an operation issued against the wrong transport kind
func WrongTransport(conn uint32, op, kind string) *Error {
	return New(PhaseMux, KindContractViolation).
		Conn(conn).
		Detail("%s is not valid on a %s connection (%s)", op, kind, KindWrongTransport).
		Build()
}

// InvalidState creates an error for an operation issued in the wrong lifecycle state
func InvalidState(phase Phase, what, state string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindContractViolation,
		Detail: fmt.Sprintf("%s while %s (%s)", what, state, KindInvalidState),
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// OutOfBounds creates an out of bounds error for guest memory accesses
func OutOfBounds(phase Phase, offset, length uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindContractViolation,
		Detail: fmt.Sprintf("memory range [%d, %d) out of bounds (%s)", offset, uint64(offset)+uint64(length), KindOutOfBounds),
		Value:  offset,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what string, id any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %v not found", what, id),
		Value:  id,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// GuestPanic creates the error reported when the guest aborts itself
func GuestPanic(message, task string) *Error {
	detail := message
	if task != "" {
		detail = fmt.Sprintf("%s (while executing %q)", message, task)
	}
	return &Error{
		Phase:  PhaseGuest,
		Kind:   KindGuestPanic,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return New(phase, kind).Cause(cause).Detail("%s", detail).Build()
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return Wrap(PhaseLoad, KindInstantiation, cause, "instantiate guest")
}

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return Wrap(PhaseLoad, KindInvalidData, cause, detail)
}

// MissingExportsError is returned when the guest module lacks exports the bridge calls
type MissingExportsError struct {
	Exports []string
}

// NewMissingExportsError creates an error from a list of export names
func NewMissingExportsError(names []string) *MissingExportsError {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return &MissingExportsError{Exports: sorted}
}

func (e *MissingExportsError) Error() string {
	if len(e.Exports) == 0 {
		return "[load] missing_export: no exports specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "guest is missing %d export(s):\n", len(e.Exports))
	for _, name := range e.Exports {
		b.WriteString("  - ")
		b.WriteString(name)
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *MissingExportsError) Is(target error) bool {
	if _, ok := target.(*MissingExportsError); ok {
		return true
	}
	t, ok := target.(*Error)
	return ok && t.Phase == PhaseLoad && t.Kind == KindMissingExport
}
