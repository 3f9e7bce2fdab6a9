// Package lsp speaks the Language Server Protocol to per-language tooling
// subprocesses (gopls, typescript-language-server, pyright, jdtls) and
// projects what they report into a readable diagnostics store.
//
// # Architecture
//
// The package is organized around these components:
//
//   - Transport: JSON-RPC 2.0 framing and request/response correlation
//     over the subprocess's stdio
//   - Client: one subprocess's lifecycle, document synchronization, and
//     diagnostics subscription
//   - Manager: lazy per-backend client startup (installing tooling when
//     permitted), per-path edit debouncing, and error fan-out
//   - DiagnosticsStore: the projection consumers read, diagnostics keyed
//     by file and statuses keyed by backend
//
// # Quick Start
//
// Create a manager for a workspace and feed it file events:
//
//	mgr := lsp.NewManager(root, cfg)
//	defer mgr.Shutdown(ctx)
//
//	mgr.NotifyFileOpened(ctx, "/path/to/main.go", content)
//	mgr.NotifyFileChanged(ctx, "/path/to/main.go", edited)
//
//	for _, fd := range mgr.Diagnostics().All() {
//	    fmt.Println(fd.Path, fd.ErrorCount)
//	}
//
// The backend for a file's language is started on first use. A missing
// backend is installed first when auto-install is enabled; otherwise the
// failure names the toggle and the install command.
//
// # Error Delivery
//
// Work that happens after a notify call returns cannot fail into that
// call, so background failures are delivered to OnError subscribers and
// the SetErrorCallback handler instead. The notify methods only return an
// error once the manager has shut down.
//
// # Crash Handling
//
// A subprocess that dies without Stop is detected, reported as a server
// error, and deregistered. The next file event for its language starts a
// fresh one.
//
// # Thread Safety
//
// Transport, Client, Manager, and DiagnosticsStore are all safe for
// concurrent use.
package lsp
