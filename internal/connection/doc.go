// Package connection implements the Channel Multiplexer.
//
// The Multiplexer:
//   - Shares one WebSocket connection among any number of features
//   - Reference-counts subscriptions by channel and canonical params
//   - Sends one physical subscribe/unsubscribe per subscription lifetime
//   - Reconnects with exponential backoff and resubscribes in request order
//   - Fans data frames out to the handles of the owning subscription
package connection
