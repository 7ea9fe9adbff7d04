// Package ratelimit provides keyed token-bucket rate limiting.
//
// A Limiter holds one bucket per key (typically a client IP). Buckets start
// full, refill at Rate tokens per second up to Burst, and are dropped after
// EntryTTL without activity.
package ratelimit
