// Package vectorstore persists embedded chunks and answers similarity
// queries. Postgres uses pgvector; Memory backs tests and daemons running
// without a database.
package vectorstore
