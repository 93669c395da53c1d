// Package stores provides a SQLite backed persistence layer. The same
// database holds state documents, so it can stand in for file storage,
// alongside the history of command executions and per item outcomes.
package stores
