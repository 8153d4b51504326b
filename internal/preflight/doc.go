// Package preflight provides readiness checks for the external services and
// filesystem paths vectorflow depends on.
//
// The daemon runs RunAll at startup and logs every failure without refusing
// to start, because the transport and compute layers degrade to their
// fallbacks. The CLI "doctor" command renders the same results as a table
// and exits non-zero when a required check fails.
package preflight
