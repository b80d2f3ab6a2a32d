/*
Package wire defines the JSON messages Parley speaks.

Two families share the package. Envelope frames every client RPC and
response: a type tag, an opaque payload decoded by the receiver, the
participants, and a timestamp. ReplicationMessage carries the cluster's
internal election and replication traffic as a tagged union whose
optional fields are populated per type.

Error responses travel as ERROR envelopes whose ResultPayload.Code is
one of the Code constants, letting clients branch on failure class
(NOT_LEADER retries, INVALID_INPUT does not) without parsing text.
*/
package wire
