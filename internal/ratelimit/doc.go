// Package ratelimit keeps one token bucket per key in a bounded cache.
//
// The gateway keys it by client address to throttle requests, and the
// notifier keys it by alert subject so the same alert is sent at most once
// per window.
package ratelimit
