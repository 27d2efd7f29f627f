// Package manifest persists per-session pipeline state in SQLite and exposes
// the traveling manifest that carries a session across stages.
//
// The Store manages database connections, schema migrations, optimistic
// concurrency, heartbeat tracking, and stale-session recovery. Sessions record
// the capture interval, the matched render file, per-stage statuses and
// attempt counters, and an append-only artifact list so stages can coordinate
// without extra shared state.
//
// Writes go through Save, which enforces a version check so two concurrent
// stage completions can never silently clobber each other; callers that merge
// edits use Mutate, which reloads and retries on conflict. Terminal sessions
// are additionally exported as standalone JSON documents for archival tooling.
//
// Treat this package as the single source of truth for session semantics; when
// you add stages or manifest fields, add a migration and update the export
// schema version.
package manifest
