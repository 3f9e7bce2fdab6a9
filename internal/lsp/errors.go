package lsp

import (
	"errors"
	"fmt"
	"time"

	"github.com/halcyon-dev/halcyon/internal/lang"
)

// Standard errors returned by the LSP client and manager.
var (
	// ErrNotStarted indicates the client has not been started.
	ErrNotStarted = errors.New("lsp client not started")

	// ErrAlreadyStarted indicates the client is already running.
	ErrAlreadyStarted = errors.New("lsp client already started")

	// ErrClientStopped indicates the client was stopped while requests
	// were still pending.
	ErrClientStopped = errors.New("lsp client stopped")

	// ErrShutdown indicates the manager has been shut down.
	ErrShutdown = errors.New("lsp manager shut down")

	// ErrServerNotReady indicates the server is not ready to handle requests.
	ErrServerNotReady = errors.New("server not ready")

	// ErrUnsupportedLanguage indicates no tooling backend exists for the language.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrDocumentNotOpen indicates the document is not open.
	ErrDocumentNotOpen = errors.New("document not open")

	// ErrTimeout indicates a request timed out.
	ErrTimeout = errors.New("request timed out")

	// ErrServerCrashed indicates the server process terminated unexpectedly.
	ErrServerCrashed = errors.New("server crashed")

	// ErrAutoInstallDisabled indicates a backend is missing and automatic
	// installation is not enabled.
	ErrAutoInstallDisabled = errors.New("auto-install disabled")
)

// RPCError represents a JSON-RPC error from the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	// JSON-RPC standard errors
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// LSP-specific errors
	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
)

// RequestTimeoutError reports that a single request exceeded its timeout.
// Other in-flight requests and the subprocess itself are unaffected.
type RequestTimeoutError struct {
	Method  string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.Method, e.Timeout)
}

// Is reports ErrTimeout as the sentinel for errors.Is matching.
func (e *RequestTimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ServerError wraps a failure with the backend language and the operation
// that produced it. It is the shape delivered on the manager's error channels.
type ServerError struct {
	Language lang.Language
	Op       string
	Err      error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("%s server: %s: %v", e.Language, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error {
	return e.Err
}
