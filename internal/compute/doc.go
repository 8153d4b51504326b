// Package compute selects between the primary (accelerated) embedding backend
// and the fallback backend.
//
// A Pin records that a job has switched to the fallback. It only ever moves
// from disengaged to engaged, so once a job falls back every later call for
// that job goes straight to the fallback. HTTPBackend speaks the Ollama
// embeddings API.
package compute
