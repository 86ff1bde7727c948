// Package resilience classifies failed backend calls and retries the ones
// worth retrying.
//
// Categories:
//   - Transient: network failure without a response; retried with backoff
//   - RateLimited: HTTP 429; retried with backoff and a slow-down notice
//   - Authentication: HTTP 401 or an auth marker in the backend payload;
//     never retried, forces a session logout
//   - ServerFault: HTTP 5xx; surfaced, retried only on explicit opt-in
//   - Unclassified: everything else; surfaced, retried only on opt-in
//
// The Middleware is also an api.FailureObserver so every backend response,
// wrapped in a retry or not, takes part in forced-logout detection.
package resilience
