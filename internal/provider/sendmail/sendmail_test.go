package sendmail

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/shineum/quest-mailer/internal/email"
)

// fakeSendmail writes a shell script that records its arguments and stdin
// next to itself, then runs extra. Tests using it do not run in parallel:
// a concurrent fork can hold the script open for writing (ETXTBSY).
func fakeSendmail(t *testing.T, extra string) (path, dir string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	dir = t.TempDir()
	path = filepath.Join(dir, "sendmail")
	script := "#!/bin/sh\n" +
		"printf '%s\\n' \"$@\" > \"" + dir + "/args\"\n" +
		"cat > \"" + dir + "/stdin\"\n" +
		extra + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path, dir
}

func testMessage() *email.Composed {
	return &email.Composed{
		EnvelopeFrom: "quests@example.com",
		To:           "hero@example.com",
		Raw:          []byte("Subject: New quest\r\n\r\nLine one\r\n.\r\nLine three"),
	}
}

func TestSend_PipesRawMessage(t *testing.T) {
	path, dir := fakeSendmail(t, "exit 0")
	msg := testMessage()

	if err := New(path).Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	args, err := os.ReadFile(filepath.Join(dir, "args"))
	if err != nil {
		t.Fatalf("failed to read args: %v", err)
	}
	wantArgs := "-i\n-f\nquests@example.com\n--\nhero@example.com\n"
	if string(args) != wantArgs {
		t.Errorf("args: got %q, want %q", args, wantArgs)
	}

	stdin, err := os.ReadFile(filepath.Join(dir, "stdin"))
	if err != nil {
		t.Fatalf("failed to read stdin: %v", err)
	}
	if string(stdin) != string(msg.Raw) {
		t.Errorf("stdin: got %q, want %q", stdin, msg.Raw)
	}
}

func TestSend_NonZeroExit(t *testing.T) {
	path, _ := fakeSendmail(t, "echo 'queue directory missing' >&2\nexit 75")

	err := New(path).Send(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "queue directory missing") {
		t.Errorf("error should include stderr: %v", err)
	}
	if !strings.Contains(err.Error(), "exit status 75") {
		t.Errorf("error should include exit status: %v", err)
	}
}

func TestSend_MissingBinary(t *testing.T) {
	t.Parallel()

	err := New(filepath.Join(t.TempDir(), "no-such-sendmail")).Send(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestSend_RejectsFlagLikeAddresses(t *testing.T) {
	path, dir := fakeSendmail(t, "exit 0")
	msg := testMessage()
	msg.EnvelopeFrom = "-oQ/tmp"

	if err := New(path).Send(context.Background(), msg); err == nil {
		t.Fatal("expected error for flag-like address")
	}
	if _, err := os.Stat(filepath.Join(dir, "args")); !os.IsNotExist(err) {
		t.Error("sendmail should not have been executed")
	}
}

func TestSend_EmptyMessage(t *testing.T) {
	t.Parallel()

	if err := New("/bin/true").Send(context.Background(), &email.Composed{}); err == nil {
		t.Fatal("expected error for empty message")
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	if got := New("/usr/sbin/sendmail").Name(); got != "sendmail" {
		t.Errorf("Name(): got %q, want %q", got, "sendmail")
	}
}
