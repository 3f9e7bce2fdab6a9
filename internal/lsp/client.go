package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/halcyon-dev/halcyon/internal/lang"
)

// ClientState is the lifecycle state of a Client.
type ClientState int32

const (
	StateStopped ClientState = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns a human-readable state name.
func (s ClientState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ServerConfig defines how to launch and talk to a language server.
type ServerConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments.
	Args []string

	// Env are additional environment variables.
	Env map[string]string

	// WorkDir is the workspace root the server is started in.
	WorkDir string

	// InitializationOptions are sent during initialize.
	InitializationOptions any

	// Settings are sent via workspace/didChangeConfiguration after the
	// handshake when non-nil.
	Settings any

	// RequestTimeout bounds each request (default: 30s).
	RequestTimeout time.Duration
}

// DiagnosticsHandler receives published diagnostics for one file. The list
// replaces any previous list for that file.
type DiagnosticsHandler func(path string, diags []Diagnostic)

// documentState tracks the sync version of one open document.
type documentState struct {
	version int
}

// Client supervises a single language-server subprocess: it owns the process
// handle, the correlation transport, per-document sync versions, and a
// diagnostics subscription list.
//
// Lifecycle: stopped → starting → running → stopping → stopped, with
// starting → stopped when the handshake fails.
type Client struct {
	language lang.Language
	config   ServerConfig
	logger   zerolog.Logger
	id       string

	requestTimeout time.Duration
	graceWindow    time.Duration

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	transport *Transport
	procCtx   context.Context
	procStop  context.CancelFunc
	pid       int

	state      atomic.Int32
	lastErr    error
	serverInfo *ServerInfo

	documents   map[DocumentURI]*documentState
	documentsMu sync.Mutex

	subsMu      sync.RWMutex
	diagSubs    map[string]DiagnosticsHandler
	exitHandler func(error)

	exitCh chan error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger for this client and its transport.
func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRequestTimeout overrides the per-request timeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithClientGraceWindow overrides the transport's timed-out id retention.
func WithClientGraceWindow(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.graceWindow = d
		}
	}
}

// NewClient creates a client for the given backend language (not yet started).
func NewClient(language lang.Language, config ServerConfig, opts ...ClientOption) *Client {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}

	c := &Client{
		language:       language,
		config:         config,
		logger:         zerolog.Nop(),
		id:             uuid.New().String(),
		requestTimeout: config.RequestTimeout,
		graceWindow:    DefaultGraceWindow,
		documents:      make(map[DocumentURI]*documentState),
		diagSubs:       make(map[string]DiagnosticsHandler),
		exitCh:         make(chan error, 1),
	}
	c.state.Store(int32(StateStopped))

	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().
		Str("language", string(language)).
		Str("client_id", c.id).
		Logger()
	return c
}

// SetExitHandler registers a callback invoked when the subprocess exits
// without Stop having been called. Must be set before Start.
func (c *Client) SetExitHandler(fn func(error)) {
	c.subsMu.Lock()
	c.exitHandler = fn
	c.subsMu.Unlock()
}

// Start spawns the subprocess and performs the initialize handshake. The
// context bounds the handshake only; the subprocess outlives the call. On
// handshake failure the process is killed, the state returns to stopped and
// the error is returned to the caller.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != StateStopped {
		return ErrAlreadyStarted
	}

	c.state.Store(int32(StateStarting))
	c.lastErr = nil

	// The process must outlive the caller's context; Stop owns termination.
	c.procCtx, c.procStop = context.WithCancel(context.Background())

	if err := c.startProcess(); err != nil {
		c.state.Store(int32(StateStopped))
		c.lastErr = err
		c.procStop()
		return err
	}

	c.transport = NewTransport(c.stdout, c.stdin, nil,
		WithGraceWindow(c.graceWindow),
		WithTransportLogger(c.logger),
	)
	c.registerNotificationHandlers()
	c.transport.Start(c.procCtx)

	go c.drainStderr()
	go c.monitorProcess()

	if err := c.initialize(ctx); err != nil {
		c.state.Store(int32(StateStopped))
		c.lastErr = err
		c.stopProcess()
		return fmt.Errorf("initialize: %w", err)
	}

	c.state.Store(int32(StateRunning))
	c.logger.Info().
		Int("pid", c.pid).
		Str("command", c.config.Command).
		Msg("language server running")
	return nil
}

// startProcess launches the server executable with stdio pipes.
func (c *Client) startProcess() error {
	cmd := exec.CommandContext(c.procCtx, c.config.Command, c.config.Args...)

	cmd.Env = os.Environ()
	for k, v := range c.config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if c.config.WorkDir != "" {
		cmd.Dir = c.config.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start %s: %w", c.config.Command, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.stdout = stdout
	c.stderr = stderr
	c.pid = cmd.Process.Pid

	return nil
}

// drainStderr keeps the subprocess's stderr pipe from filling and surfaces
// its output at debug level.
func (c *Client) drainStderr() {
	scanner := bufio.NewScanner(c.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug().Str("stream", "stderr").Msg(scanner.Text())
	}
}

// monitorProcess reaps the subprocess and reports unexpected exits.
func (c *Client) monitorProcess() {
	waitErr := c.cmd.Wait()

	state := c.State()
	expected := state == StateStopping || state == StateStopped

	if !expected {
		exitCode := -1
		if c.cmd.ProcessState != nil {
			exitCode = c.cmd.ProcessState.ExitCode()
		}
		err := fmt.Errorf("%w: exit code %d", ErrServerCrashed, exitCode)

		c.state.Store(int32(StateStopped))
		c.mu.Lock()
		c.lastErr = err
		if c.transport != nil {
			c.transport.Close()
		}
		c.mu.Unlock()

		c.logger.Error().
			Int("pid", c.pid).
			Int("exit_code", exitCode).
			Msg("language server exited unexpectedly")

		c.subsMu.RLock()
		handler := c.exitHandler
		c.subsMu.RUnlock()
		if handler != nil {
			handler(err)
		}
	}

	select {
	case c.exitCh <- waitErr:
	default:
	}
}

// stopProcess closes the transport (rejecting pending requests), closes the
// pipes and kills the process if it is still alive.
func (c *Client) stopProcess() {
	if c.transport != nil {
		c.transport.Close()
	}
	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.stdout != nil {
		c.stdout.Close()
	}
	if c.stderr != nil {
		c.stderr.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	if c.procStop != nil {
		c.procStop()
	}
}

// initialize performs the LSP initialize handshake.
func (c *Client) initialize(ctx context.Context) error {
	root := c.config.WorkDir
	var rootURI DocumentURI
	var folders []WorkspaceFolder
	if root != "" {
		rootURI = FilePathToURI(root)
		folders = []WorkspaceFolder{{URI: rootURI, Name: filepath.Base(root)}}
	}

	params := InitializeParams{
		ProcessID:             os.Getpid(),
		ClientInfo:            &ClientInfo{Name: "halcyon"},
		RootURI:               rootURI,
		Capabilities:          DefaultClientCapabilities(),
		InitializationOptions: c.config.InitializationOptions,
		WorkspaceFolders:      folders,
	}

	var result InitializeResult
	if err := c.transport.Call(ctx, "initialize", params, &result, c.requestTimeout); err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}
	c.serverInfo = result.ServerInfo

	if err := c.transport.Notify("initialized", InitializedParams{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	if c.config.Settings != nil {
		params := DidChangeConfigurationParams{Settings: c.config.Settings}
		if err := c.transport.Notify("workspace/didChangeConfiguration", params); err != nil {
			return fmt.Errorf("configuration notification: %w", err)
		}
	}

	return nil
}

// registerNotificationHandlers wires server notifications into subscribers.
func (c *Client) registerNotificationHandlers() {
	c.transport.OnNotification("textDocument/publishDiagnostics", func(method string, raw json.RawMessage) {
		var p PublishDiagnosticsParams
		if err := json.Unmarshal(raw, &p); err != nil {
			c.logger.Debug().Err(err).Msg("bad publishDiagnostics payload")
			return
		}
		path := URIToFilePath(p.URI)

		c.subsMu.RLock()
		handlers := make([]DiagnosticsHandler, 0, len(c.diagSubs))
		for _, h := range c.diagSubs {
			handlers = append(handlers, h)
		}
		c.subsMu.RUnlock()

		for _, h := range handlers {
			h(path, p.Diagnostics)
		}
	})

	// Consumed so the server does not queue on us; content is uninteresting.
	c.transport.OnNotification("window/logMessage", func(string, json.RawMessage) {})
	c.transport.OnNotification("window/showMessage", func(string, json.RawMessage) {})
	c.transport.OnNotification("$/progress", func(string, json.RawMessage) {})
}

// OnDiagnostics registers a subscriber for published diagnostics and returns
// a function that removes exactly this registration.
func (c *Client) OnDiagnostics(handler DiagnosticsHandler) func() {
	token := uuid.New().String()

	c.subsMu.Lock()
	c.diagSubs[token] = handler
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		delete(c.diagSubs, token)
		c.subsMu.Unlock()
	}
}

// RemoveAllListeners clears every diagnostics subscription.
func (c *Client) RemoveAllListeners() {
	c.subsMu.Lock()
	c.diagSubs = make(map[string]DiagnosticsHandler)
	c.subsMu.Unlock()
}

// NotifyFileOpened sends didOpen for a file. Opening an already-open file is
// forwarded as a full-content change instead of a second didOpen.
func (c *Client) NotifyFileOpened(ctx context.Context, path, content string) error {
	if c.State() != StateRunning {
		return ErrServerNotReady
	}

	uri := FilePathToURI(path)

	c.documentsMu.Lock()
	if _, open := c.documents[uri]; open {
		c.documentsMu.Unlock()
		return c.NotifyFileChanged(ctx, path, content)
	}
	c.documents[uri] = &documentState{version: 1}
	c.documentsMu.Unlock()

	params := DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{
			URI:        uri,
			LanguageID: lang.WireID(path),
			Version:    1,
			Text:       content,
		},
	}
	return c.transport.Notify("textDocument/didOpen", params)
}

// NotifyFileChanged sends a full-sync didChange for a file, opening it first
// if it is not open yet.
func (c *Client) NotifyFileChanged(ctx context.Context, path, content string) error {
	if c.State() != StateRunning {
		return ErrServerNotReady
	}

	uri := FilePathToURI(path)

	c.documentsMu.Lock()
	doc, open := c.documents[uri]
	if !open {
		c.documentsMu.Unlock()
		return c.NotifyFileOpened(ctx, path, content)
	}
	doc.version++
	version := doc.version
	c.documentsMu.Unlock()

	params := DidChangeTextDocumentParams{
		TextDocument: VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
			Version:                version,
		},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: content}},
	}
	return c.transport.Notify("textDocument/didChange", params)
}

// NotifyFileClosed sends didClose for an open file.
func (c *Client) NotifyFileClosed(ctx context.Context, path string) error {
	if c.State() != StateRunning {
		return ErrServerNotReady
	}

	uri := FilePathToURI(path)

	c.documentsMu.Lock()
	if _, open := c.documents[uri]; !open {
		c.documentsMu.Unlock()
		return ErrDocumentNotOpen
	}
	delete(c.documents, uri)
	c.documentsMu.Unlock()

	params := DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	}
	return c.transport.Notify("textDocument/didClose", params)
}

// Call sends a request to the server and decodes the reply into result.
// Every protocol method rides on this entry point; the call is bounded by
// the client's request timeout, and a reply that misses the deadline is
// absorbed by the transport when it straggles in.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	if c.State() != StateRunning {
		return ErrServerNotReady
	}
	return c.transport.Call(ctx, method, params, result, c.requestTimeout)
}

// Stop terminates the subprocess: a best-effort shutdown/exit exchange, then
// the transport is closed (rejecting still-pending requests) and the process
// is killed if needed. Safe to call repeatedly.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.State()
	if state == StateStopped || state == StateStopping {
		return nil
	}

	c.state.Store(int32(StateStopping))

	if c.transport != nil && !c.transport.IsClosed() {
		timeout := 5 * time.Second
		if c.requestTimeout > 0 && c.requestTimeout < timeout {
			timeout = c.requestTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		_ = c.transport.Call(shutdownCtx, "shutdown", nil, nil, timeout)
		_ = c.transport.Notify("exit", nil)
		cancel()
	}

	c.stopProcess()

	c.documentsMu.Lock()
	c.documents = make(map[DocumentURI]*documentState)
	c.documentsMu.Unlock()

	c.RemoveAllListeners()

	c.state.Store(int32(StateStopped))
	c.logger.Info().Int("pid", c.pid).Msg("language server stopped")
	return nil
}

// State returns the current lifecycle state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// Language returns the backend language this client serves.
func (c *Client) Language() lang.Language {
	return c.language
}

// PID returns the subprocess pid, or 0 before the first start.
func (c *Client) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

// LastError returns the most recent lifecycle error.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ServerInfo returns the server's self-reported identity from the handshake.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ExitChannel receives the subprocess's wait result once it terminates.
func (c *Client) ExitChannel() <-chan error {
	return c.exitCh
}
