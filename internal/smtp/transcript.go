package smtp

import (
	"strings"
)

// RedactedCredential replaces any transcript command carrying credentials.
const RedactedCredential = "[credentials redacted]"

// Entry is one command/response pair. Command is empty for the greeting.
type Entry struct {
	Command  string
	Response string
}

// Transcript is the ordered record of one attempt's exchange. Secrets
// registered with AddSecret are removed at append time, so stored entries
// never contain them.
type Transcript struct {
	entries []Entry
	secrets []string
}

// AddSecret registers a value that must never be stored. Empty values are
// ignored.
func (t *Transcript) AddSecret(secret string) {
	if secret != "" {
		t.secrets = append(t.secrets, secret)
	}
}

// Append records a command and its response. A command containing a
// secret is replaced wholesale by RedactedCredential; secrets echoed inside
// the response are masked in place.
func (t *Transcript) Append(command, response string) Entry {
	e := Entry{Command: t.Redact(command), Response: response}
	for _, secret := range t.secrets {
		e.Response = strings.ReplaceAll(e.Response, secret, RedactedCredential)
	}
	t.entries = append(t.entries, e)
	return e
}

// Redact returns RedactedCredential when command contains a registered
// secret, and command unchanged otherwise.
func (t *Transcript) Redact(command string) string {
	for _, secret := range t.secrets {
		if strings.Contains(command, secret) {
			return RedactedCredential
		}
	}
	return command
}

// Entries returns a copy of the recorded entries.
func (t *Transcript) Entries() []Entry {
	if t == nil {
		return nil
	}
	return append([]Entry(nil), t.entries...)
}

// String renders the transcript as "C: ..." / "S: ..." lines.
func (t *Transcript) String() string {
	if t == nil {
		return ""
	}
	var b strings.Builder
	for _, e := range t.entries {
		if e.Command != "" {
			b.WriteString("C: ")
			b.WriteString(e.Command)
			b.WriteByte('\n')
		}
		for _, line := range strings.Split(e.Response, "\n") {
			b.WriteString("S: ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
