// Package api defines the wire-format types of the daemon's HTTP API and a
// small client the CLI uses to talk to it.
//
// Jobs travel as job.Job values so the CLI renders exactly what the ledger
// holds. Errors always come back as ErrorResponse; the client turns them into
// *services.StatusError values tagged with a services marker, so callers can
// tell a rejected job (services.ErrValidation) from an unknown id
// (services.ErrNotFound) with errors.Is.
package api
