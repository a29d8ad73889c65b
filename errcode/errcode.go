package errcode

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK             Code = "ok"
	Busy           Code = "busy"
	Unsupported    Code = "unsupported"
	InvalidParams  Code = "invalid_params"
	InvalidPayload Code = "invalid_payload"
	InvalidTopic   Code = "invalid_topic"
	Conflict       Code = "conflict"
	Timeout        Code = "timeout"
	NotFound       Code = "not_found"

	UnknownPort Code = "unknown_port"
	UnknownPin  Code = "unknown_pin"
	PinInUse    Code = "pin_in_use"

	// Serial engine.
	NotConfigured   Code = "not_configured"
	UnsupportedBaud Code = "unsupported_baud"
	InvalidFormat   Code = "invalid_format"
	BufferEmpty     Code = "buffer_empty"
	NotListening    Code = "not_listening"

	Error Code = "error" // generic fallback
)

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, errcode.X) match a wrapped code.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}

// Wrap attaches an operation name to a code.
func Wrap(c Code, op string, err error) error {
	return &E{C: c, Op: op, Err: err}
}
