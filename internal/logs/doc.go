// Package logs tails the daemon log file for the CLI.
//
// Tail returns whole lines only: a trailing line that has not been
// terminated yet stays unread so the next call picks it up complete. A
// negative offset asks for the last Limit lines, and Follow with a Wait keeps
// polling until new lines land or the wait expires.
package logs
