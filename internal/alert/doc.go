// Package alert forwards operator-relevant runner events to a chat.
//
// The service subscribes to the event bus and turns a small set of events
// into one-line messages: credentials needing a refresh, tasks that finished
// with failures and proxy switches that found no candidate. Everything else
// is ignored.
//
// # Throttling
//
// Sends pass a token-bucket limiter. Identical messages are suppressed for
// the dedup window; suppression is kept in memory and in the store's dedup
// table, so a restart does not repeat recent alerts.
//
// # Transport
//
// Delivery goes through a Sender. Telegram is the built-in implementation.
package alert
