// Package notifier delivers rendered notifications to a recipient over every
// channel the recipient is reachable on.
//
// # Channels
//
// Channels are tried in precedence order: in-app (always), email, push and
// SMS. Push and SMS sit behind deployment flags; SMS is reserved for high and
// urgent notifications. Attempts are independent: a failing channel never
// stops the next one, and every attempt is reported as an Outcome.
//
// # Throttling
//
// Each channel has its own token bucket (golang.org/x/time/rate) and its own
// consecutive-failure circuit breaker. An open breaker fails the attempt fast
// with a transient error, so the retry coordinator backs the record off
// instead of hammering a provider that is down.
package notifier
