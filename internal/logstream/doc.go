// Package logstream prints daemon activity for `vectorflow events`, reading
// the event feed from the API and tailing the log file when the daemon is
// not answering.
package logstream
