// Package festival holds the event delivery state machine: the domain types,
// the persistence ports, the Reconciler that diffs scraped batches against
// stored events, the Subscriber Registry and the Confirmation Handler.
//
// Fan-out lives in internal/notifier; the ledger guarantees (at most one
// initial notice per pair, no reminder after confirmation) are enforced by
// the conditional operations of the Ledger port.
package festival
