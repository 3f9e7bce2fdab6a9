package lsp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/halcyon-dev/halcyon/internal/lang"
)

// fakeServerScript writes a shell script that plays canned protocol
// messages to stdout and then sleeps. The first message answers the
// initialize request, which always carries id 1 on a fresh transport.
func fakeServerScript(t *testing.T, extraMessages ...string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake server needs a POSIX shell")
	}

	initResponse := `{"jsonrpc":"2.0","id":1,"result":{"capabilities":{"textDocumentSync":1},"serverInfo":{"name":"fakeserver","version":"0.1"}}}`

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	for _, msg := range append([]string{initResponse}, extraMessages...) {
		fmt.Fprintf(&b, "printf 'Content-Length: %d\\r\\n\\r\\n%%s' '%s'\n", len(msg), msg)
	}
	b.WriteString("exec sleep 300\n")

	path := filepath.Join(t.TempDir(), "fake-server.sh")
	if err := os.WriteFile(path, []byte(b.String()), 0o755); err != nil {
		t.Fatalf("writing fake server script: %v", err)
	}
	return path
}

func startFakeClient(t *testing.T, extraMessages ...string) *Client {
	t.Helper()

	script := fakeServerScript(t, extraMessages...)
	c := NewClient(lang.Go, ServerConfig{Command: script}, WithRequestTimeout(2*time.Second))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Stop(ctx)
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return c
}

func TestClientStartMissingBinary(t *testing.T) {
	c := NewClient(lang.Go, ServerConfig{Command: "halcyon-test-missing-binary-7f3a"})

	err := c.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded with a missing binary")
	}
	if c.State() != StateStopped {
		t.Errorf("state = %s after failed start, want stopped", c.State())
	}
	if c.LastError() == nil {
		t.Error("LastError = nil after failed start")
	}
}

func TestClientStartHandshakeTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs the sleep binary")
	}

	c := NewClient(lang.Go,
		ServerConfig{Command: "sleep", Args: []string{"60"}},
		WithRequestTimeout(100*time.Millisecond),
	)

	err := c.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded against a mute server")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want a request timeout", err)
	}
	if c.State() != StateStopped {
		t.Errorf("state = %s after handshake timeout, want stopped", c.State())
	}
}

func TestClientStartHandshakeRejected(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs the cat binary")
	}

	// cat echoes our own initialize request back; whatever way that fails,
	// the handshake must fail and leave the client stopped.
	c := NewClient(lang.Go,
		ServerConfig{Command: "cat"},
		WithRequestTimeout(2*time.Second),
	)

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded against an echoing server")
	}
	if c.State() != StateStopped {
		t.Errorf("state = %s after failed handshake, want stopped", c.State())
	}
}

func TestClientLifecycle(t *testing.T) {
	c := startFakeClient(t)

	if c.State() != StateRunning {
		t.Fatalf("state = %s after start, want running", c.State())
	}
	if c.PID() <= 0 {
		t.Errorf("pid = %d, want a live process id", c.PID())
	}
	if info := c.ServerInfo(); info == nil || info.Name != "fakeserver" {
		t.Errorf("server info = %+v, want name fakeserver", info)
	}

	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "main.go")

	if err := c.NotifyFileOpened(ctx, path, "package main\n"); err != nil {
		t.Fatalf("NotifyFileOpened failed: %v", err)
	}
	if err := c.NotifyFileChanged(ctx, path, "package main\n\nfunc main() {}\n"); err != nil {
		t.Fatalf("NotifyFileChanged failed: %v", err)
	}
	if err := c.NotifyFileClosed(ctx, path); err != nil {
		t.Fatalf("NotifyFileClosed failed: %v", err)
	}
	if err := c.NotifyFileClosed(ctx, path); !errors.Is(err, ErrDocumentNotOpen) {
		t.Errorf("second NotifyFileClosed = %v, want ErrDocumentNotOpen", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if c.State() != StateStopped {
		t.Errorf("state = %s after stop, want stopped", c.State())
	}
	if err := c.Stop(stopCtx); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}
}

func TestClientNotifyBeforeStart(t *testing.T) {
	c := NewClient(lang.Go, ServerConfig{Command: "unused"})

	if err := c.NotifyFileOpened(context.Background(), "/tmp/x.go", ""); !errors.Is(err, ErrServerNotReady) {
		t.Errorf("NotifyFileOpened before start = %v, want ErrServerNotReady", err)
	}
	if err := c.NotifyFileChanged(context.Background(), "/tmp/x.go", ""); !errors.Is(err, ErrServerNotReady) {
		t.Errorf("NotifyFileChanged before start = %v, want ErrServerNotReady", err)
	}
}

func TestClientCallBeforeStart(t *testing.T) {
	c := NewClient(lang.Go, ServerConfig{Command: "unused"})

	if err := c.Call(context.Background(), "workspace/symbol", nil, nil); !errors.Is(err, ErrServerNotReady) {
		t.Errorf("Call before start = %v, want ErrServerNotReady", err)
	}
}

func TestClientCallTimeout(t *testing.T) {
	// The fake server answers the handshake and nothing else, so the call
	// must reject with a timeout naming the method, and only that call.
	c := startFakeClient(t)

	err := c.Call(context.Background(), "workspace/symbol", nil, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call = %v, want a request timeout", err)
	}
	var toErr *RequestTimeoutError
	if !errors.As(err, &toErr) || toErr.Method != "workspace/symbol" {
		t.Errorf("err = %v, want RequestTimeoutError for workspace/symbol", err)
	}
	if c.State() != StateRunning {
		t.Errorf("state = %s after one timed-out call, want running", c.State())
	}
}

func TestClientDiagnosticsDelivery(t *testing.T) {
	publish := `{"jsonrpc":"2.0","method":"textDocument/publishDiagnostics","params":{"uri":"file:///work/main.go","diagnostics":[{"range":{"start":{"line":2,"character":4},"end":{"line":2,"character":9}},"severity":1,"message":"undefined: foo","source":"fake"}]}}`

	script := fakeServerScript(t, publish)
	c := NewClient(lang.Go, ServerConfig{Command: script}, WithRequestTimeout(2*time.Second))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Stop(ctx)
	})

	type delivery struct {
		path  string
		diags []Diagnostic
	}
	first := make(chan delivery, 1)
	c.OnDiagnostics(func(path string, diags []Diagnostic) {
		select {
		case first <- delivery{path, diags}:
		default:
		}
	})

	second := make(chan struct{}, 1)
	unsubscribe := c.OnDiagnostics(func(string, []Diagnostic) {
		select {
		case second <- struct{}{}:
		default:
		}
	})
	unsubscribe()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case d := <-first:
		if d.path != "/work/main.go" {
			t.Errorf("diagnostics path = %q, want /work/main.go", d.path)
		}
		if len(d.diags) != 1 || d.diags[0].Message != "undefined: foo" {
			t.Errorf("diagnostics = %+v, want one undefined: foo", d.diags)
		}
		if d.diags[0].Severity != DiagnosticSeverityError {
			t.Errorf("severity = %d, want error", d.diags[0].Severity)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscribed handler never received diagnostics")
	}

	select {
	case <-second:
		t.Error("unsubscribed handler still received diagnostics")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientCrashDetection(t *testing.T) {
	script := fakeServerScript(t)
	c := NewClient(lang.Go, ServerConfig{Command: script}, WithRequestTimeout(2*time.Second))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Stop(ctx)
	})

	crashed := make(chan error, 1)
	c.SetExitHandler(func(err error) {
		select {
		case crashed <- err:
		default:
		}
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := syscall.Kill(c.PID(), syscall.SIGKILL); err != nil {
		t.Fatalf("killing fake server: %v", err)
	}

	select {
	case <-c.ExitChannel():
	case <-time.After(5 * time.Second):
		t.Fatal("exit channel never signalled")
	}

	select {
	case err := <-crashed:
		if !errors.Is(err, ErrServerCrashed) {
			t.Errorf("exit handler got %v, want ErrServerCrashed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exit handler never invoked after crash")
	}

	deadline := time.After(5 * time.Second)
	for c.State() != StateStopped {
		select {
		case <-deadline:
			t.Fatalf("state = %s after crash, want stopped", c.State())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := c.LastError(); !errors.Is(err, ErrServerCrashed) {
		t.Errorf("LastError = %v, want ErrServerCrashed", err)
	}
}

func TestClientStateString(t *testing.T) {
	tests := []struct {
		state ClientState
		want  string
	}{
		{StateStopped, "stopped"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ClientState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
