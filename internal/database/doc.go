// Package database opens the PostgreSQL pool backing the mode-transition
// audit journal.
package database
