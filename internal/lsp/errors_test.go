package lsp

import (
	"errors"
	"testing"
	"time"

	"github.com/halcyon-dev/halcyon/internal/lang"
)

func TestServerErrorWrapping(t *testing.T) {
	inner := errors.New("pipe broken")
	serr := &ServerError{Language: lang.Go, Op: "didOpen", Err: inner}

	if got, want := serr.Error(), "go server: didOpen: pipe broken"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(serr, inner) {
		t.Error("errors.Is does not reach the wrapped error")
	}

	nested := &ServerError{Language: lang.Go, Op: "start", Err: &RequestTimeoutError{Method: "initialize", Timeout: time.Second}}
	if !errors.Is(nested, ErrTimeout) {
		t.Error("nested timeout not matched by ErrTimeout")
	}
}

func TestRequestTimeoutError(t *testing.T) {
	err := &RequestTimeoutError{Method: "textDocument/didOpen", Timeout: 250 * time.Millisecond}

	if got, want := err.Error(), "request textDocument/didOpen timed out after 250ms"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("RequestTimeoutError not matched by ErrTimeout")
	}
	if errors.Is(err, ErrServerCrashed) {
		t.Error("RequestTimeoutError matched an unrelated sentinel")
	}
}

func TestRPCErrorString(t *testing.T) {
	plain := &RPCError{Code: CodeMethodNotFound, Message: "method not supported"}
	if got, want := plain.Error(), "rpc error -32601: method not supported"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	withData := &RPCError{Code: CodeInvalidParams, Message: "bad params", Data: "uri missing"}
	if got, want := withData.Error(), "rpc error -32602: bad params (data: uri missing)"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
