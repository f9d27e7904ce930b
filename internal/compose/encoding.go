package compose

import (
	"bytes"
	"mime"
	"mime/quotedprintable"
	"net/mail"
)

var crlf = []byte("\r\n")

// EncodeHeader returns v unchanged when it consists only of printable ASCII.
// Anything else is rendered as one or more UTF-8 base64 encoded-words, which
// the mime package splits to respect the encoded-word length limit.
func EncodeHeader(v string) string {
	if isPrintableASCII(v) {
		return v
	}
	return mime.BEncoding.Encode("UTF-8", v)
}

// FormatAddress renders an address with an optional display name for use in
// From/To headers.
func FormatAddress(name, address string) string {
	if name == "" {
		return address
	}
	if isPrintableASCII(name) {
		return (&mail.Address{Name: name, Address: address}).String()
	}
	return mime.BEncoding.Encode("UTF-8", name) + " <" + address + ">"
}

// EncodeQuotedPrintable encodes b so that decoding yields exactly b. CRLF
// pairs become hard line breaks; lone CR and LF bytes are escaped rather
// than normalised, so no byte sequence is altered on the way through.
func EncodeQuotedPrintable(b []byte) []byte {
	var out bytes.Buffer
	for i, line := range bytes.Split(b, crlf) {
		if i > 0 {
			out.Write(crlf)
		}
		w := quotedprintable.NewWriter(&out)
		w.Binary = true
		// Writes to a bytes.Buffer cannot fail.
		_, _ = w.Write(line)
		_ = w.Close()
	}
	return out.Bytes()
}

func isPrintableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
