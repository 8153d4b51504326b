// Package main hosts the vectorflow CLI.
//
// `vectorflow serve` runs the daemon in the foreground. Every other command
// except the config and doctor utilities talks to a running daemon over its
// HTTP API, so the CLI never touches the ledger or history database
// directly.
package main
