package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Default timing for request correlation.
const (
	// DefaultRequestTimeout bounds a request when the caller passes no timeout.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultGraceWindow is how long a timed-out request id is retained as a
	// muted placeholder so a late reply is absorbed instead of being treated
	// as an unknown id.
	DefaultGraceWindow = 30 * time.Second
)

// Transport handles JSON-RPC 2.0 communication over stdio.
// It implements the LSP base protocol with Content-Length headers and owns
// the pending-request table: ids are monotonically increasing per transport,
// and each id leaves the table exactly once its outcome is final.
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer

	mu       sync.Mutex
	nextID   atomic.Int64
	pending  map[int64]*pendingRequest
	handlers map[string]NotificationHandler

	graceWindow time.Duration
	logger      zerolog.Logger

	closed atomic.Bool
	done   chan struct{}
}

// NotificationHandler handles incoming notifications from the server.
type NotificationHandler func(method string, params json.RawMessage)

// pendingRequest tracks one in-flight request. After a timeout the entry
// stays in the table, muted, until the grace timer removes it; a reply that
// arrives in that window is dropped silently instead of resolving twice.
type pendingRequest struct {
	id       int64
	method   string
	timeout  time.Duration
	issuedAt time.Time

	ch    chan callOutcome
	timer *time.Timer
	grace *time.Timer

	timedOut bool
	done     bool
}

// callOutcome is what a waiting caller receives: a response or an error,
// never both.
type callOutcome struct {
	resp *Response
	err  error
}

// deliverLocked hands the outcome to the waiting caller exactly once.
// Callers must hold Transport.mu.
func (pr *pendingRequest) deliverLocked(out callOutcome) {
	if pr.done {
		return
	}
	pr.done = true
	select {
	case pr.ch <- out:
	default:
	}
}

// Request represents a JSON-RPC request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// notification is used to parse incoming notifications.
type notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithGraceWindow overrides the retention period for timed-out request ids.
func WithGraceWindow(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.graceWindow = d
		}
	}
}

// WithTransportLogger sets the logger used for wire-level events.
func WithTransportLogger(logger zerolog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates a new transport over the given connection.
// The reader and writer are typically the subprocess's stdout/stdin pipes.
func NewTransport(r io.Reader, w io.Writer, c io.Closer, opts ...TransportOption) *Transport {
	t := &Transport{
		reader:      bufio.NewReaderSize(r, 64*1024),
		writer:      w,
		closer:      c,
		pending:     make(map[int64]*pendingRequest),
		handlers:    make(map[string]NotificationHandler),
		graceWindow: DefaultGraceWindow,
		logger:      zerolog.Nop(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins reading messages from the connection.
func (t *Transport) Start(ctx context.Context) {
	go t.readLoop(ctx)
}

// Close closes the transport. Every still-pending request is rejected with
// ErrClientStopped and all request and grace timers are stopped. Safe to
// call more than once.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}

	close(t.done)

	t.mu.Lock()
	for _, pr := range t.pending {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		if pr.grace != nil {
			pr.grace.Stop()
		}
		pr.deliverLocked(callOutcome{err: ErrClientStopped})
	}
	t.pending = make(map[int64]*pendingRequest)
	t.mu.Unlock()

	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// Call sends a request and waits for its response, a timeout, or cancellation.
// The timeout applies to this call only; zero means DefaultRequestTimeout.
// On timeout the caller receives a *RequestTimeoutError and the request id is
// kept muted for the grace window so the eventual reply cannot resolve twice.
func (t *Transport) Call(ctx context.Context, method string, params, result any, timeout time.Duration) error {
	if t.closed.Load() {
		return ErrClientStopped
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	id := t.nextID.Add(1)
	pr := &pendingRequest{
		id:       id,
		method:   method,
		timeout:  timeout,
		issuedAt: time.Now(),
		ch:       make(chan callOutcome, 1),
	}

	t.mu.Lock()
	t.pending[id] = pr
	pr.timer = time.AfterFunc(timeout, func() { t.expire(id) })
	t.mu.Unlock()

	req := &Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	if err := t.send(req); err != nil {
		t.abandon(id)
		return fmt.Errorf("send request: %w", err)
	}

	// A Close racing the registration above would miss this entry; recheck so
	// the caller is not left waiting out the full timeout.
	if t.closed.Load() {
		t.abandon(id)
		return ErrClientStopped
	}

	select {
	case <-ctx.Done():
		t.abandon(id)
		return ctx.Err()
	case out := <-pr.ch:
		if out.err != nil {
			return out.err
		}
		if out.resp.Error != nil {
			return out.resp.Error
		}
		if result != nil && len(out.resp.Result) > 0 {
			if err := json.Unmarshal(out.resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		return nil
	}
}

// Notify sends a notification (no response expected).
func (t *Transport) Notify(method string, params any) error {
	if t.closed.Load() {
		return ErrClientStopped
	}

	req := &Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}

	return t.send(req)
}

// OnNotification registers a handler for server notifications.
func (t *Transport) OnNotification(method string, handler NotificationHandler) {
	t.mu.Lock()
	t.handlers[method] = handler
	t.mu.Unlock()
}

// expire marks a request timed out and rejects its caller. The entry stays
// in the table, muted, until the grace timer reaps it.
func (t *Transport) expire(id int64) {
	t.mu.Lock()
	pr, ok := t.pending[id]
	if !ok || pr.timedOut {
		t.mu.Unlock()
		return
	}
	pr.timedOut = true
	pr.grace = time.AfterFunc(t.graceWindow, func() { t.reap(id) })
	pr.deliverLocked(callOutcome{err: &RequestTimeoutError{Method: pr.method, Timeout: pr.timeout}})
	t.mu.Unlock()

	t.logger.Debug().
		Int64("id", id).
		Str("method", pr.method).
		Dur("timeout", pr.timeout).
		Msg("lsp request timed out")
}

// reap removes a timed-out entry once its grace window ends.
func (t *Transport) reap(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// abandon drops a pending entry whose caller has stopped waiting.
func (t *Transport) abandon(id int64) {
	t.mu.Lock()
	pr, ok := t.pending[id]
	if ok {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		if pr.grace != nil {
			pr.grace.Stop()
		}
		pr.done = true
		delete(t.pending, id)
	}
	t.mu.Unlock()
}

// send writes a message with LSP content-length header.
func (t *Transport) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := io.WriteString(t.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := t.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	return nil
}

// readLoop reads messages from the connection.
func (t *Transport) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		msg, err := t.readMessage()
		if err != nil {
			if t.closed.Load() {
				return
			}
			if err == io.EOF || err == io.ErrClosedPipe {
				return
			}
			t.logger.Debug().Err(err).Msg("lsp read error")
			continue
		}

		t.dispatch(msg)
	}
}

// readMessage reads a single LSP message.
func (t *Transport) readMessage() (json.RawMessage, error) {
	// Read headers
	var contentLength int
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break // End of headers
		}
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				length, err := strconv.Atoi(strings.TrimSpace(parts[1]))
				if err == nil {
					contentLength = length
				}
			}
		}
		// Ignore Content-Type and other headers
	}

	if contentLength == 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	// Read body
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return body, nil
}

// dispatch routes a message to the appropriate handler.
func (t *Transport) dispatch(data json.RawMessage) {
	var probe struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Error  *RPCError       `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}

	// An id together with a result or error means a response.
	if probe.ID != nil && probe.Method == "" && (probe.Result != nil || probe.Error != nil) {
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		t.handleResponse(&resp)
		return
	}

	// An id together with a method is a server-to-client request. The
	// tooling layer serves none of them.
	if probe.ID != nil && probe.Method != "" {
		t.rejectServerRequest(*probe.ID, probe.Method)
		return
	}

	if probe.Method != "" {
		var notif notification
		if err := json.Unmarshal(data, &notif); err != nil {
			return
		}
		t.handleNotification(&notif)
	}
}

// handleResponse routes a response to its waiting caller. A response for a
// timed-out id inside the grace window is absorbed; one for an unknown id is
// logged and dropped.
func (t *Transport) handleResponse(resp *Response) {
	if t.closed.Load() {
		return
	}

	t.mu.Lock()
	pr, ok := t.pending[resp.ID]
	if !ok {
		t.mu.Unlock()
		t.logger.Debug().Int64("id", resp.ID).Msg("response for unknown request id")
		return
	}
	if pr.timedOut {
		t.mu.Unlock()
		t.logger.Debug().
			Int64("id", resp.ID).
			Str("method", pr.method).
			Dur("elapsed", time.Since(pr.issuedAt)).
			Msg("late response absorbed after timeout")
		return
	}
	pr.timer.Stop()
	delete(t.pending, resp.ID)
	pr.deliverLocked(callOutcome{resp: resp})
	t.mu.Unlock()
}

// rejectServerRequest answers an unsupported server-to-client request.
func (t *Transport) rejectServerRequest(id int64, method string) {
	resp := &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &RPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method not supported: %s", method),
		},
	}
	if err := t.send(resp); err != nil {
		t.logger.Debug().Err(err).Str("method", method).Msg("reject server request")
	}
}

// handleNotification routes a notification to its handler.
func (t *Transport) handleNotification(notif *notification) {
	t.mu.Lock()
	handler, ok := t.handlers[notif.Method]
	if !ok {
		handler, ok = t.handlers["*"]
	}
	t.mu.Unlock()

	if ok && handler != nil {
		// Run handler in goroutine to avoid blocking the read loop
		go handler(notif.Method, notif.Params)
	}
}

// PendingCount returns the number of requests awaiting an outcome, including
// muted timed-out entries still inside their grace window.
func (t *Transport) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// IsClosed returns true if the transport has been closed.
func (t *Transport) IsClosed() bool {
	return t.closed.Load()
}
