// Package dedupe provides a bounded, time-windowed record of keys that have
// already been delivered. The realtime channel keys it by event name and
// message identifier so a frame replayed by the server after a reconnect is
// handed to subscribers only once.
package dedupe
