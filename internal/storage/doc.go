// Package storage persists contracts, companies and the append-only
// notification log.
//
// Every driver enforces the same guarantees:
//   - UpdateContractStatus is a compare-and-set
//   - a Sent row's sent key is unique (ErrDuplicateSent on conflict)
//   - WasSent only counts Sent rows; Failed rows never block a retry
package storage
