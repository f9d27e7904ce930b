package smtp

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Reply codes the client expects (RFC 5321 §4.2.2, RFC 4954).
const (
	ReplyServiceReady   = 220
	ReplyServiceClosing = 221
	ReplyAuthOK         = 235
	ReplyOK             = 250
	ReplyAuthContinue   = 334
	ReplyStartMailInput = 354
)

// maxReplyLineLen guards against servers that never send a line break.
const maxReplyLineLen = 2048

// maxReplyLines caps the number of continuation lines in one reply.
const maxReplyLines = 128

// Reply is one logical server response, possibly spread over several lines.
type Reply struct {
	Code int
	// Lines are the raw lines without CRLF, code and separator included.
	Lines []string
}

// Text returns the text of the final line after the code and separator.
func (r Reply) Text() string {
	if len(r.Lines) == 0 {
		return ""
	}
	last := r.Lines[len(r.Lines)-1]
	if len(last) <= 4 {
		return ""
	}
	return last[4:]
}

// String joins the raw lines with newlines.
func (r Reply) String() string {
	return strings.Join(r.Lines, "\n")
}

// readReply reads lines until one whose fourth character is a space (or a
// bare three-digit line). Lines with '-' there are continuations.
func readReply(r *bufio.Reader) (Reply, error) {
	var reply Reply
	for {
		line, err := readLine(r)
		if err != nil {
			return Reply{}, err
		}
		if len(line) < 3 {
			return Reply{}, fmt.Errorf("%w: line too short: %q", ErrMalformedReply, line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil || code < 100 || code > 599 {
			return Reply{}, fmt.Errorf("%w: invalid code in %q", ErrMalformedReply, line)
		}

		reply.Code = code
		reply.Lines = append(reply.Lines, line)

		if len(line) == 3 || line[3] == ' ' {
			return reply, nil
		}
		if line[3] != '-' {
			return Reply{}, fmt.Errorf("%w: invalid separator in %q", ErrMalformedReply, line)
		}
		if len(reply.Lines) >= maxReplyLines {
			return Reply{}, fmt.Errorf("%w: more than %d continuation lines", ErrMalformedReply, maxReplyLines)
		}
	}
}

func readLine(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		line = append(line, chunk...)
		if len(line) > maxReplyLineLen {
			return "", fmt.Errorf("%w: line longer than %d bytes", ErrMalformedReply, maxReplyLineLen)
		}
		if !isPrefix {
			return string(line), nil
		}
	}
}
