// Package daemon runs the long-lived vectorflow process.
//
// It ties the ledger, the engine pool, the fallback drain loop, and the HTTP
// API into one lifecycle guarded by a flock-based lock so only one daemon
// serves a data directory. Component construction lives in daemonrun; this
// package only coordinates startup, shutdown, and the request surface.
package daemon
