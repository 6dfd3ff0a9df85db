package main

import (
	"io"
	"os"
	"strings"
	"testing"
)

func captureExit(fn func()) (code int, exited bool) {
	old := osExit
	defer func() { osExit = old }()

	osExit = func(c int) {
		panic(exitSentinel(c))
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				if s, ok := r.(exitSentinel); ok {
					code = int(s)
					exited = true
				} else {
					panic(r)
				}
			}
		}()
		fn()
	}()
	return code, exited
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stderr = w

	fn()

	w.Close()
	os.Stderr = old
	data, _ := io.ReadAll(r)
	return string(data)
}

func TestRunSend_NoArgs(t *testing.T) {
	stderr := captureStderr(t, func() {
		code, exited := captureExit(func() {
			runSend([]string{"--config", "/tmp/nonexistent-qmesh-test/client.yaml"})
		})
		if !exited || code != 1 {
			t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
		}
	})
	if !strings.Contains(stderr, "requires a prompt") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRunSend_ConfigNotFound(t *testing.T) {
	code, exited := captureExit(func() {
		runSend([]string{"--config", "/tmp/nonexistent-qmesh-test/client.yaml", "hello"})
	})
	if !exited || code != 1 {
		t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
	}
}

func TestRunBatch_NoArgs(t *testing.T) {
	code, exited := captureExit(func() {
		runBatch([]string{"--config", "/tmp/nonexistent-qmesh-test/client.yaml"})
	})
	if !exited || code != 1 {
		t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
	}
}

func TestRunBatch_ConfigNotFound(t *testing.T) {
	code, exited := captureExit(func() {
		runBatch([]string{"--config", "/tmp/nonexistent-qmesh-test/client.yaml", "a", "b"})
	})
	if !exited || code != 1 {
		t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
	}
}

func TestMain_UnknownCommand(t *testing.T) {
	old := os.Args
	defer func() { os.Args = old }()
	os.Args = []string{"qmesh-client", "bogus"}

	stderr := captureStderr(t, func() {
		code, exited := captureExit(func() {
			main()
		})
		if !exited || code != 1 {
			t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
		}
	})
	if !strings.Contains(stderr, "Unknown command") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestPrintUsage(t *testing.T) {
	old := os.Stdout
	os.Stdout = os.NewFile(0, os.DevNull)
	defer func() { os.Stdout = old }()
	printUsage()
}

func TestPrintVersion(t *testing.T) {
	old := os.Stdout
	os.Stdout = os.NewFile(0, os.DevNull)
	defer func() { os.Stdout = old }()
	printVersion()
}

func TestResolvePath(t *testing.T) {
	if got := resolvePath("/etc/qmesh", "identity.key"); got != "/etc/qmesh/identity.key" {
		t.Errorf("resolvePath relative = %q", got)
	}
	if got := resolvePath("/etc/qmesh", "/abs/identity.key"); got != "/abs/identity.key" {
		t.Errorf("resolvePath absolute = %q", got)
	}
}
