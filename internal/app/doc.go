// Package app composes one signed-in transferdesk session.
//
// # Architecture Role
//
// The app package sits above the engine packages (livesync, notify, confirm,
// aggregate, quota) and wires them into the two screens a session can run. It holds
// no transport code: HTTP lives in internal/app/httpapi and process wiring in
// cmd/transferdesk.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Shell: breaker, guarded store, toast emitter, presence
//	├── user.go             # UserScreen: own requests, support chat, notification center
//	├── admin.go            # AdminScreen: pending queue, conversations, archive statistics
//	├── decode.go           # Document decoding shared by both screens
//	└── httpapi/            # gorilla/mux routers over the screens
//
// # Store Chain
//
// Every component of a session talks to the same store value:
//
//	quota.Guard(metrics.InstrumentStore(backend), breaker)
//
// The first quota failure anywhere trips the breaker. From then on no call reaches
// the backend, every live query is closed, and the screens report Blocked.
//
// # Dependency Direction
//
//	cmd/transferdesk/
//	      │
//	      ▼
//	internal/app/httpapi ──► internal/app (Shell, screens)
//	                               │
//	                               ├──► internal/livesync, internal/notify, internal/confirm
//	                               ├──► internal/aggregate, internal/assistant, internal/presence
//	                               ├──► internal/quota ──► internal/store
//	                               ├──► internal/metrics
//	                               └──► internal/auth, internal/drafts
//
// The engine packages record into internal/metrics and never import this package.
//
// Backends (internal/store/memory, internal/store/supabase) are chosen by the
// command, never by this package.
package app
