// Package federation replicates mesh dashboard state between independently
// operated sites over a shared publish/subscribe bus. Every record has one
// owning site; only the owner publishes changes for it, and inbound traffic
// whose origin is the local site is discarded. Apply operations are
// idempotent so at-least-once delivery converges.
package federation
