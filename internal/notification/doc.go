// Package notification holds the engine data model: records, their state machine, outbound messages and waitlist entries.
package notification
