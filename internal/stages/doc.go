// Package stages holds the concrete pipeline stages and the per-kind plans
// that order them.
//
// Ingest jobs run chunk, embed and persist. Vector-compute jobs run embed
// and search. Every stage reads earlier results from the job and is safe to
// repeat: embeddings are cached by content fingerprint and inserts skip rows
// that already exist.
package stages
