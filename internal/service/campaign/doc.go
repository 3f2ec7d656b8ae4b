// Package campaign implements campaign launch, dispatch coordination and
// per-recipient delivery status tracking.
//
// The Orchestrator resolves a segment's audience, persists the campaign with
// every recipient PENDING and hands dispatch to a Dispatcher without waiting
// for it. The Tracker is the only path that mutates recipient state; both the
// delivery receipt endpoint and the dispatcher's direct fallback go through
// it, so duplicate confirmations are harmless.
//
// Repository implementations live in repository/postgres/, repository/mongo/
// and repository/memory/.
package campaign
