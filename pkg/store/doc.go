/*
Package store persists Parley's accounts, messages, and preferences in
SQLite.

Each node owns one database file. The schema is created on open and
holds three tables: accounts (username, bcrypt verifier), messages
(leader-assigned id, participants, content, delivery and read state,
per-side soft-delete flags), and chat_preferences (pagination limit per
conversation).

# Replication Contract

The store is the apply target for both local writes and replicated
ones. StoreMessage assigns a fresh id on the leader; StoreMessageWithID
forces that id on replicas so every node converges on identical rows,
refusing with ErrIDCollision if a different message already owns it.
Mutating operations return what they actually touched (MarkRead and
DeleteMessages return affected ids) so a failed replication round can
be rolled back exactly.

# Visibility

Deleting a message hides it from the deleting side only; the partner's
view is untouched. Conversation reads, unread counts, and the
undelivered backlog all filter on the viewer's own flag.

# Concurrency

SQLite handles one writer at a time. The pool is pinned to a single
connection and opened with a 5s busy timeout, which serializes writers
without explicit locking in Go.
*/
package store
