// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Backend call attempts and outcomes by error category
//   - Retries and forced logouts
//   - Real-time connection state, reconnect attempts and active subscriptions
//   - Physical subscribe/unsubscribe commands
//   - Trading-mode transitions
//
// Collectors live on a Metrics value registered against a caller-supplied
// registerer so tests can use isolated registries. All methods are safe on a
// nil *Metrics, which disables collection.
package metrics
