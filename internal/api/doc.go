// Package api provides the trading backend REST client.
//
// Endpoints used by the sync layer:
//   - GET  /session       session status (keep-alive)
//   - POST /session/mode  switch the session between paper and live trading
//
// Every response passes through ObservingTransport when an observer is
// configured, so failures are classified even for calls that are not wrapped
// in a retry.
package api
