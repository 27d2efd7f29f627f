// Package services defines the error taxonomy and context helpers shared by
// every stage implementation and the workflow machinery around them.
//
// Errors carry a sentinel marker (transient, permanent, validation,
// configuration, not-found, conflict, protocol) so that the stage runner can
// decide between retrying, failing the stage, or surfacing the problem to an
// operator without parsing message text. Wrap is the single construction
// point; errors.Is against the exported sentinels is the single test.
//
// The context helpers thread session, stage, and request identifiers through
// call chains so logging can pick them up without plumbing extra parameters.
package services
