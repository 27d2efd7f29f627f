// Package preflight provides readiness checks for the directories, disk
// capacity, external binaries, and endpoints the pipeline depends on.
//
// The checks run in two contexts:
//   - conductord runs RunAll once at startup and logs every failure, so a
//     doomed environment is visible before the first session arrives.
//   - The CLI "conductor status" command shows the same results next to
//     daemon state, and the Preflight IPC call re-runs them on demand.
//
// Each check is gated by its config toggle -- disabled features are skipped.
package preflight
