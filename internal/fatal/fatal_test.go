package fatal

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestTriggerLogsAndExits(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var exitCode int
	orig := exit
	exit = func(code int) { exitCode = code }
	defer func() { exit = orig }()

	Trigger(logger, "book invariant violated", "token", "tok-1")

	if exitCode != 1 {
		t.Fatalf("exit code = %d, want 1", exitCode)
	}
	if !bytes.Contains(buf.Bytes(), []byte("book invariant violated")) {
		t.Fatalf("log output missing message: %s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("tok-1")) {
		t.Fatalf("log output missing attribute: %s", buf.String())
	}
}

func TestTriggerDefaultsLogger(t *testing.T) {
	orig := exit
	called := false
	exit = func(int) { called = true }
	defer func() { exit = orig }()

	Trigger(nil, "duplicate nonce allocated")

	if !called {
		t.Fatal("expected exit to be called")
	}
}
