// Package store implements a typed, in-memory record cache synchronized with
// a remote collection API.
//
// A [Table] holds the records of one entity class, keyed by id, together with
// the drafts being edited and the secondary indices used for foreign-key
// lookups. Each id is in one of three [State]s: never requested, known absent
// (tombstone) or present. Tables register with a [DB], which routes a single
// response carrying several entity classes to every matching table.
//
// All mutations of a table's record map and indices happen under the table's
// lock and never perform I/O. Network calls go through an injected
// [Transport] and run without the lock.
package store
