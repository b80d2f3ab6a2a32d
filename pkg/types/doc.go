/*
Package types defines the core data structures shared across Parley.

This package contains the domain model: accounts, messages, chat
preferences, and cluster node status. These types are used by the store,
the wire format, the replication manager, and the client.

All types are designed to be:
  - Serializable (JSON for the wire, db tags for the store)
  - Write-unsafe: mutations must be synchronized by callers
  - Self-documenting (clear field names)

Timestamps are fractional epoch seconds (float64) everywhere: in the
database, on the wire, and in message ordering. Use types.Now() to
produce one.
*/
package types
