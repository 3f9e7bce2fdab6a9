package lsp

import (
	"sort"
	"sync"
	"time"

	"github.com/halcyon-dev/halcyon/internal/lang"
)

// ServerStatus is a point-in-time snapshot of one backend's lifecycle.
type ServerStatus struct {
	Language  lang.Language
	State     ClientState
	PID       int
	LastError error
	UpdatedAt time.Time
}

// FileDiagnostics holds the current diagnostics for a single file together
// with severity counts.
type FileDiagnostics struct {
	Path        string
	Diagnostics []Diagnostic
	UpdatedAt   time.Time

	ErrorCount   int
	WarningCount int
	InfoCount    int
	HintCount    int
}

// DiagnosticsStore is the projection consumers read: diagnostics keyed by
// file path and statuses keyed by backend language. It holds no logic beyond
// storage and snapshotting; the Manager is its only writer.
type DiagnosticsStore struct {
	mu       sync.RWMutex
	files    map[string]*FileDiagnostics
	statuses map[lang.Language]ServerStatus
}

// NewDiagnosticsStore creates an empty store.
func NewDiagnosticsStore() *DiagnosticsStore {
	return &DiagnosticsStore{
		files:    make(map[string]*FileDiagnostics),
		statuses: make(map[lang.Language]ServerStatus),
	}
}

// SetDiagnostics replaces the diagnostics for a file wholesale. An empty or
// nil list removes the file from the projection so stale entries cannot
// linger.
func (s *DiagnosticsStore) SetDiagnostics(path string, diags []Diagnostic) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(diags) == 0 {
		delete(s.files, path)
		return
	}

	fd := &FileDiagnostics{
		Path:        path,
		Diagnostics: append([]Diagnostic(nil), diags...),
		UpdatedAt:   time.Now(),
	}
	for _, d := range diags {
		switch d.Severity {
		case DiagnosticSeverityError:
			fd.ErrorCount++
		case DiagnosticSeverityWarning:
			fd.WarningCount++
		case DiagnosticSeverityInformation:
			fd.InfoCount++
		case DiagnosticSeverityHint:
			fd.HintCount++
		}
	}
	s.files[path] = fd
}

// Diagnostics returns a copy of the diagnostics for a file. The result is
// nil when the file has none.
func (s *DiagnosticsStore) Diagnostics(path string) []Diagnostic {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fd, ok := s.files[path]
	if !ok {
		return nil
	}
	return append([]Diagnostic(nil), fd.Diagnostics...)
}

// File returns the full per-file record, or false when the file has no
// diagnostics.
func (s *DiagnosticsStore) File(path string) (FileDiagnostics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fd, ok := s.files[path]
	if !ok {
		return FileDiagnostics{}, false
	}
	out := *fd
	out.Diagnostics = append([]Diagnostic(nil), fd.Diagnostics...)
	return out, true
}

// All returns a snapshot of every file's diagnostics, sorted by path.
func (s *DiagnosticsStore) All() []FileDiagnostics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]FileDiagnostics, 0, len(s.files))
	for _, fd := range s.files {
		cp := *fd
		cp.Diagnostics = append([]Diagnostic(nil), fd.Diagnostics...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// TotalCounts sums severity counts across all files.
func (s *DiagnosticsStore) TotalCounts() (errors, warnings, infos, hints int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, fd := range s.files {
		errors += fd.ErrorCount
		warnings += fd.WarningCount
		infos += fd.InfoCount
		hints += fd.HintCount
	}
	return errors, warnings, infos, hints
}

// SetServerStatus replaces the status snapshot for a backend language.
func (s *DiagnosticsStore) SetServerStatus(status ServerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status.UpdatedAt = time.Now()
	s.statuses[status.Language] = status
}

// ServerStatus returns the status snapshot for a backend language.
func (s *DiagnosticsStore) ServerStatus(language lang.Language) (ServerStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.statuses[language]
	return st, ok
}

// AllServerStatuses returns a snapshot of every backend's status, sorted by
// language for stable output.
func (s *DiagnosticsStore) AllServerStatuses() []ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ServerStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out
}

// Clear empties both projections. Used on shutdown.
func (s *DiagnosticsStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.files = make(map[string]*FileDiagnostics)
	s.statuses = make(map[lang.Language]ServerStatus)
}
