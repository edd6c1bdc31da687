// Package notifier fans event notices out to subscribers.
//
// A dispatch walks events × subscribers in stable order and, for every pair,
// asks the Delivery Ledger for a claim immediately before sending. The claim
// is a single conditional write, so overlapping cycles (cron plus a manual
// run, two hosts sharing a database) never both send the same initial notice.
// After a successful send the pair is marked and the claim cleared; after a
// failed send the claim is released so a later cycle can retry.
//
// # Pacing
//
// Sends go through a token bucket (golang.org/x/time/rate) and a bounded
// retry with jittered exponential backoff. Errors wrapped with Permanent are
// not retried.
//
// # Events
//
// Each outcome is published on the event bus as TopicSent or TopicFailed with
// a DeliveryEvent payload.
package notifier
