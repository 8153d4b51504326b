// Package transport publishes jobs to the durable broker with a redis list as
// the fallback channel.
//
// Dual.Publish tries the broker first and parks the envelope on the fallback
// list when the broker rejects it. Only when both channels fail does it
// return TransportExhaustedError. Parked envelopes are forwarded to the broker
// later by Dual.Drain.
package transport
