// Package errcode enumerates the client-facing error taxonomy shared by
// the binary, memcached, and HTTP protocols (see spec §7). Each protocol
// handler maps a Code onto its own wire representation: a status byte for
// binary, a reply line for memcached, a status code for HTTP.
package errcode

// Code is a server-side outcome classification, independent of the wire
// protocol that reports it.
type Code int

const (
	Success Code = iota
	InvalidOperation
	HostNotFound
	ConnectionRefused
	Send
	Receive
	KeepExisting // putkeep found an existing record
	NoRecord     // out/get found nothing
	Miscellaneous
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case InvalidOperation:
		return "invalid-operation"
	case HostNotFound:
		return "host-not-found"
	case ConnectionRefused:
		return "connection-refused"
	case Send:
		return "send"
	case Receive:
		return "receive"
	case KeepExisting:
		return "keep-existing"
	case NoRecord:
		return "no-record"
	default:
		return "miscellaneous"
	}
}

// BinaryStatus returns the single status byte written after a binary
// command: 0 on success, 1 for any logical failure. A transport failure
// never writes a status byte at all (the connection is simply dropped).
func (c Code) BinaryStatus() byte {
	if c == Success {
		return 0
	}
	return 1
}

// Error adapts a Code to the error interface so Logged-DB and DB methods
// can return it directly.
type Error struct {
	Code Code
	Op   string
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Code.String()
	}
	return e.Op + ": " + e.Code.String()
}

// New builds an *Error for op failing with code.
func New(op string, code Code) error {
	return &Error{Code: code, Op: op}
}

// CodeOf extracts the Code from err, defaulting to Miscellaneous for any
// error that didn't originate from this package.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return Miscellaneous
}
