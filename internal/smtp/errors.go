package smtp

import (
	"errors"
	"fmt"
	"strings"
)

// ConnectionError reports that the transport could not be opened.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("smtp: connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// GreetingError reports that the server did not open with 220. Err is set
// when the greeting could not be read at all.
type GreetingError struct {
	Code     int
	Response string
	Err      error
}

func (e *GreetingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("smtp: reading greeting: %v", e.Err)
	}
	return fmt.Sprintf("smtp: unexpected greeting: expected %d, got %d: %s", ReplyServiceReady, e.Code, e.Response)
}

func (e *GreetingError) Unwrap() error { return e.Err }

// CommandError reports that a command got a reply other than the expected
// code, or that the exchange failed with an I/O error (Err set, Actual 0).
// Command never contains credentials.
type CommandError struct {
	Command  string
	Expected int
	Actual   int
	Response string
	Err      error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("smtp: %s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("smtp: %s: expected %d, got %d: %s", e.Command, e.Expected, e.Actual, e.Response)
}

func (e *CommandError) Unwrap() error { return e.Err }

// AuthError reports a failed AUTH LOGIN exchange. Cause is the underlying
// *CommandError, or the mechanism error when the server challenge could not
// be answered.
type AuthError struct {
	Step  string
	Cause error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("smtp: authentication failed at %s: %v", e.Step, e.Cause)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// CryptoError reports that the STARTTLS upgrade failed under every version
// preference. Attempts holds one error per preference, in order.
type CryptoError struct {
	Attempts []error
}

func (e *CryptoError) Error() string {
	msgs := make([]string, 0, len(e.Attempts))
	for _, err := range e.Attempts {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("smtp: TLS upgrade failed after %d attempts: %s", len(e.Attempts), strings.Join(msgs, "; "))
}

func (e *CryptoError) Unwrap() []error { return e.Attempts }

// ErrMalformedReply is wrapped when a server reply line cannot be parsed.
var ErrMalformedReply = errors.New("malformed reply")
