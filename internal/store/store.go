// Package store persists offerings and access grants on SQLite. The
// engine consumes it through its own narrow interfaces, so tests swap in
// fakes without touching this package.
package store
