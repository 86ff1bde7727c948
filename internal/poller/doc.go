// Package poller implements the session keep-alive.
//
// The Poller:
//   - Runs a set of probes on a fixed interval (default: 1m)
//   - Sends every probe through the resilience middleware
//   - Lets an expired session surface as a forced logout even when idle
//   - Skips cycles while the session is terminated
package poller
