// Package mongo provides MongoDB-backed storage for the execution journal.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a journal.Store that persists append-only execution events.
package mongo
