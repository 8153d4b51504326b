// Package cache provides the content-addressed store the embed stage consults
// before recomputing a vector, so retried attempts skip work that already
// succeeded. Memory is process-local; Redis shares entries between daemons.
package cache
