package lsp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/halcyon-dev/halcyon/internal/config"
	"github.com/halcyon-dev/halcyon/internal/install"
	"github.com/halcyon-dev/halcyon/internal/lang"
)

// LanguageClient is the per-backend surface the Manager supervises. The
// production implementation is *Client; the indirection exists so lifecycle
// behavior is testable without spawning server processes.
type LanguageClient interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() ClientState
	PID() int
	Language() lang.Language
	NotifyFileOpened(ctx context.Context, path, content string) error
	NotifyFileChanged(ctx context.Context, path, content string) error
	NotifyFileClosed(ctx context.Context, path string) error
	OnDiagnostics(handler DiagnosticsHandler) func()
	RemoveAllListeners()
	SetExitHandler(fn func(error))
}

// ErrorHandler receives structured failures from background tooling work.
type ErrorHandler func(err *ServerError)

// debounceEntry coalesces rapid edits to one path. A new edit stops and
// re-arms the timer and carries existing waiters forward, so every caller
// settles when the surviving attempt concludes.
type debounceEntry struct {
	timer   *time.Timer
	content string
	waiters []chan error
}

// Manager lazily starts and supervises one language server per backend for a
// single workspace root. It owns the client and installer registries, is the
// only writer to the DiagnosticsStore, and delivers background failures on
// its error channels instead of returning them.
//
// Construct one Manager per workspace and inject it; there is no package
// singleton.
type Manager struct {
	root       string
	cfg        config.Settings
	logger     zerolog.Logger
	store      *DiagnosticsStore
	installers map[lang.Language]install.Installer

	// newClient builds the per-backend client; tests replace it.
	newClient func(backend lang.Language, sc ServerConfig) LanguageClient

	mu      sync.RWMutex
	clients map[lang.Language]LanguageClient

	// flights collapses concurrent starts of the same backend into exactly
	// one spawn; every waiter receives the same client or error.
	flights singleflight.Group

	debounceMu sync.Mutex
	debounces  map[string]*debounceEntry

	diagMu   sync.RWMutex
	diagSubs map[string]DiagnosticsHandler

	errMu   sync.RWMutex
	errSubs map[string]ErrorHandler
	errCb   ErrorHandler

	closed atomic.Bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger for the manager and its clients.
func WithManagerLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithInstallers replaces the default per-backend installer registry.
func WithInstallers(installers map[lang.Language]install.Installer) ManagerOption {
	return func(m *Manager) {
		m.installers = installers
	}
}

// NewManager creates a manager for the given workspace root.
func NewManager(root string, cfg config.Settings, opts ...ManagerOption) *Manager {
	m := &Manager{
		root:      root,
		cfg:       cfg,
		logger:    zerolog.Nop(),
		store:     NewDiagnosticsStore(),
		clients:   make(map[lang.Language]LanguageClient),
		debounces: make(map[string]*debounceEntry),
		diagSubs:  make(map[string]DiagnosticsHandler),
		errSubs:   make(map[string]ErrorHandler),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.installers == nil {
		m.installers = install.Defaults(cfg, m.logger)
	}
	m.newClient = func(backend lang.Language, sc ServerConfig) LanguageClient {
		return NewClient(backend, sc,
			WithClientLogger(m.logger),
			WithRequestTimeout(m.cfg.RequestTimeout),
			WithClientGraceWindow(m.cfg.GraceWindow),
		)
	}

	return m
}

// Diagnostics returns the diagnostics-and-status projection.
func (m *Manager) Diagnostics() *DiagnosticsStore {
	return m.store
}

// AllServerStatuses returns a snapshot of every backend's lifecycle status.
func (m *Manager) AllServerStatuses() []ServerStatus {
	return m.store.AllServerStatuses()
}

// client returns the registered client for a backend, or nil.
func (m *Manager) client(backend lang.Language) LanguageClient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[backend]
}

// EnsureClientRunning returns a running client for the language, starting
// (and installing, when permitted) the backend if needed. Concurrent calls
// for the same backend share one start attempt and resolve to the same
// client instance.
func (m *Manager) EnsureClientRunning(ctx context.Context, language lang.Language) (LanguageClient, error) {
	if m.closed.Load() {
		return nil, ErrShutdown
	}
	if !language.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	backend := language.Backend()

	if c := m.client(backend); c != nil && c.State() == StateRunning {
		return c, nil
	}

	v, err, _ := m.flights.Do(string(backend), func() (any, error) {
		return m.startBackend(ctx, backend)
	})
	if err != nil {
		return nil, err
	}
	c := v.(LanguageClient)

	if m.closed.Load() {
		// Shutdown raced the start; never hand out a live client afterward.
		_ = c.Stop(context.Background())
		return nil, ErrShutdown
	}
	return c, nil
}

// startBackend runs the full start sequence for one backend. It executes
// inside the singleflight group, so at most one invocation per backend is
// in flight at any time.
func (m *Manager) startBackend(ctx context.Context, backend lang.Language) (LanguageClient, error) {
	// An earlier flight may have registered a client after our caller's
	// fast path missed.
	if c := m.client(backend); c != nil && c.State() == StateRunning {
		return c, nil
	}
	if m.closed.Load() {
		return nil, ErrShutdown
	}

	m.setStatus(backend, StateStarting, 0, nil)

	argv, err := m.resolveCommand(ctx, backend)
	if err != nil {
		m.setStatus(backend, StateStopped, 0, err)
		return nil, err
	}

	sc := ServerConfig{
		Command:        argv[0],
		Args:           argv[1:],
		WorkDir:        m.root,
		RequestTimeout: m.cfg.RequestTimeout,
	}
	c := m.newClient(backend, sc)

	c.OnDiagnostics(func(path string, diags []Diagnostic) {
		m.store.SetDiagnostics(path, diags)
		m.setStatus(backend, c.State(), c.PID(), nil)
		m.emitDiagnostics(path, diags)
	})
	c.SetExitHandler(func(exitErr error) {
		m.onClientExit(backend, c, exitErr)
	})

	if err := c.Start(ctx); err != nil {
		serr := &ServerError{Language: backend, Op: "start", Err: err}
		m.setStatus(backend, StateStopped, 0, serr)
		return nil, serr
	}

	m.mu.Lock()
	m.clients[backend] = c
	m.mu.Unlock()

	m.setStatus(backend, StateRunning, c.PID(), nil)
	return c, nil
}

// resolveCommand produces the argument vector for a backend, installing it
// first when it is absent and the auto-install toggle permits.
func (m *Manager) resolveCommand(ctx context.Context, backend lang.Language) ([]string, error) {
	if argv := m.cfg.ServerCommands[backend]; len(argv) > 0 {
		return argv, nil
	}

	inst := m.installers[backend]
	if inst == nil {
		return nil, fmt.Errorf("%w: no installer for %s", ErrUnsupportedLanguage, backend)
	}

	if !inst.IsInstalled(ctx) {
		if !m.cfg.AutoInstall {
			return nil, fmt.Errorf(
				"%s tooling is not installed; set %s=1 to install automatically, or run \"halcyon tooling install %s\": %w",
				backend, config.EnvAutoInstall, backend, ErrAutoInstallDisabled)
		}

		m.logger.Info().Str("language", string(backend)).Msg("installing language tooling")
		if err := inst.Install(ctx, m.installProgress(backend)); err != nil {
			return nil, &ServerError{Language: backend, Op: "install", Err: err}
		}
		m.logger.Info().Str("language", string(backend)).Msg("language tooling installed")
	}

	return inst.ServerCommand()
}

// installProgress logs download progress at most once per 10% step.
func (m *Manager) installProgress(backend lang.Language) install.ProgressFunc {
	lastStep := -1
	return func(p install.Progress) {
		if p.Percent < 0 {
			return
		}
		step := int(p.Percent) / 10
		if step == lastStep {
			return
		}
		lastStep = step
		m.logger.Info().
			Str("language", string(backend)).
			Int64("bytes", p.Bytes).
			Int64("total", p.Total).
			Int("percent", int(p.Percent)).
			Msg("downloading language tooling")
	}
}

// onClientExit reacts to a subprocess that died without Stop: the client is
// deregistered so the next ensure call starts a fresh one, and the failure
// is reported.
func (m *Manager) onClientExit(backend lang.Language, c LanguageClient, exitErr error) {
	if m.closed.Load() {
		return
	}

	m.mu.Lock()
	if m.clients[backend] == c {
		delete(m.clients, backend)
	}
	m.mu.Unlock()

	serr := &ServerError{Language: backend, Op: "run", Err: exitErr}
	m.setStatus(backend, StateStopped, 0, serr)
	m.emitError(serr)
}

// NotifyFileOpened reports a file being opened. The backend is started
// lazily; failures are delivered on the error channels, never returned.
func (m *Manager) NotifyFileOpened(ctx context.Context, path, content string) error {
	if m.closed.Load() {
		return ErrShutdown
	}
	language := lang.FromPath(path)
	if language == lang.None {
		return nil
	}

	c, err := m.EnsureClientRunning(ctx, language)
	if err != nil {
		m.emitError(wrapServerError(language.Backend(), "didOpen", err))
		return nil
	}
	if err := c.NotifyFileOpened(ctx, path, content); err != nil {
		m.emitError(&ServerError{Language: language.Backend(), Op: "didOpen", Err: err})
	}
	return nil
}

// NotifyFileChanged reports an edit. Edits are debounced per path: a burst
// within the window produces one downstream notification carrying the last
// content. The call settles once the surviving attempt concludes; failures
// of the attempt go to the error channels, not the return value.
func (m *Manager) NotifyFileChanged(ctx context.Context, path, content string) error {
	if m.closed.Load() {
		return ErrShutdown
	}
	if lang.FromPath(path) == lang.None {
		return nil
	}

	done := make(chan error, 1)

	m.debounceMu.Lock()
	e, ok := m.debounces[path]
	if ok {
		e.timer.Stop()
	} else {
		e = &debounceEntry{}
		m.debounces[path] = e
	}
	e.content = content
	e.waiters = append(e.waiters, done)
	e.timer = time.AfterFunc(m.cfg.DebounceDelay, func() { m.flushChange(path) })
	m.debounceMu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// flushChange delivers the coalesced edit for one path and settles every
// waiter that accumulated while it was pending.
func (m *Manager) flushChange(path string) {
	m.debounceMu.Lock()
	e, ok := m.debounces[path]
	if !ok {
		m.debounceMu.Unlock()
		return
	}
	delete(m.debounces, path)
	content, waiters := e.content, e.waiters
	m.debounceMu.Unlock()

	var settle error
	if m.closed.Load() {
		settle = ErrShutdown
	} else {
		language := lang.FromPath(path)
		backend := language.Backend()
		ctx := context.Background()
		if c, err := m.EnsureClientRunning(ctx, language); err != nil {
			m.emitError(wrapServerError(backend, "didChange", err))
		} else if err := c.NotifyFileChanged(ctx, path, content); err != nil {
			m.emitError(&ServerError{Language: backend, Op: "didChange", Err: err})
		}
	}

	for _, ch := range waiters {
		ch <- settle
	}
}

// cancelDebounce drops a pending change for path and settles its waiters.
func (m *Manager) cancelDebounce(path string) {
	m.debounceMu.Lock()
	if e, ok := m.debounces[path]; ok {
		e.timer.Stop()
		delete(m.debounces, path)
		for _, ch := range e.waiters {
			ch <- nil
		}
	}
	m.debounceMu.Unlock()
}

// NotifyFileClosed reports a file being closed. A backend is never started
// for a close; failures are delivered on the error channels.
func (m *Manager) NotifyFileClosed(ctx context.Context, path string) error {
	if m.closed.Load() {
		return ErrShutdown
	}
	language := lang.FromPath(path)
	if language == lang.None {
		return nil
	}

	m.cancelDebounce(path)

	backend := language.Backend()
	c := m.client(backend)
	if c == nil || c.State() != StateRunning {
		return nil
	}

	if err := c.NotifyFileClosed(ctx, path); err != nil && !errors.Is(err, ErrDocumentNotOpen) {
		m.emitError(&ServerError{Language: backend, Op: "didClose", Err: err})
	}
	m.store.SetDiagnostics(path, nil)
	return nil
}

// OnDiagnostics registers a subscriber for every diagnostics publish, across
// all backends, and returns a function that removes exactly this
// registration. The store is updated before subscribers run, so a handler
// reading back through Diagnostics() sees the publish it was called for.
func (m *Manager) OnDiagnostics(handler DiagnosticsHandler) func() {
	token := uuid.New().String()

	m.diagMu.Lock()
	m.diagSubs[token] = handler
	m.diagMu.Unlock()

	return func() {
		m.diagMu.Lock()
		delete(m.diagSubs, token)
		m.diagMu.Unlock()
	}
}

// emitDiagnostics fans one publish out to the subscriber list.
func (m *Manager) emitDiagnostics(path string, diags []Diagnostic) {
	m.diagMu.RLock()
	handlers := make([]DiagnosticsHandler, 0, len(m.diagSubs))
	for _, h := range m.diagSubs {
		handlers = append(handlers, h)
	}
	m.diagMu.RUnlock()

	for _, h := range handlers {
		h(path, diags)
	}
}

// OnError registers an error subscriber and returns a function that removes
// exactly this registration.
func (m *Manager) OnError(handler ErrorHandler) func() {
	token := uuid.New().String()

	m.errMu.Lock()
	m.errSubs[token] = handler
	m.errMu.Unlock()

	return func() {
		m.errMu.Lock()
		delete(m.errSubs, token)
		m.errMu.Unlock()
	}
}

// SetErrorCallback sets the single designated error handler, alongside the
// subscriber list. Pass nil to clear it.
func (m *Manager) SetErrorCallback(handler ErrorHandler) {
	m.errMu.Lock()
	m.errCb = handler
	m.errMu.Unlock()
}

// emitError logs a background failure and fans it out to the subscriber
// list and the designated callback.
func (m *Manager) emitError(serr *ServerError) {
	m.logger.Warn().
		Str("language", string(serr.Language)).
		Str("op", serr.Op).
		Err(serr.Err).
		Msg("language tooling error")

	m.errMu.RLock()
	handlers := make([]ErrorHandler, 0, len(m.errSubs)+1)
	for _, h := range m.errSubs {
		handlers = append(handlers, h)
	}
	if m.errCb != nil {
		handlers = append(handlers, m.errCb)
	}
	m.errMu.RUnlock()

	for _, h := range handlers {
		h(serr)
	}
}

// setStatus projects a lifecycle transition into the store.
func (m *Manager) setStatus(backend lang.Language, state ClientState, pid int, err error) {
	m.store.SetServerStatus(ServerStatus{
		Language:  backend,
		State:     state,
		PID:       pid,
		LastError: err,
	})
}

// wrapServerError reuses an existing *ServerError or wraps err with the
// backend and operation that observed it.
func wrapServerError(backend lang.Language, op string, err error) *ServerError {
	var serr *ServerError
	if errors.As(err, &serr) {
		return serr
	}
	return &ServerError{Language: backend, Op: op, Err: err}
}

// Shutdown cancels outstanding debounce timers, stops every client
// concurrently (collecting failures rather than stopping at the first),
// clears the registries and the projection, and detaches every diagnostics
// and error subscriber. Safe to call repeatedly and while clients are
// mid-start.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}

	m.logger.Info().Msg("shutting down language tooling")

	m.debounceMu.Lock()
	for path, e := range m.debounces {
		e.timer.Stop()
		for _, ch := range e.waiters {
			ch <- ErrShutdown
		}
		delete(m.debounces, path)
	}
	m.debounceMu.Unlock()

	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[lang.Language]LanguageClient)
	m.mu.Unlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for backend, c := range clients {
		wg.Add(1)
		go func(backend lang.Language, c LanguageClient) {
			defer wg.Done()
			m.setStatus(backend, StateStopping, c.PID(), nil)
			if err := c.Stop(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, &ServerError{Language: backend, Op: "stop", Err: err})
				errMu.Unlock()
			}
			m.setStatus(backend, StateStopped, 0, nil)
		}(backend, c)
	}
	wg.Wait()

	m.store.Clear()

	m.errMu.Lock()
	m.errSubs = make(map[string]ErrorHandler)
	m.errCb = nil
	m.errMu.Unlock()

	m.diagMu.Lock()
	m.diagSubs = make(map[string]DiagnosticsHandler)
	m.diagMu.Unlock()

	return errors.Join(errs...)
}
