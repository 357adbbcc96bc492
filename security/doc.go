// Package security provides the cross-cutting security primitives used by the
// gateway: token hashing and constant-time comparison, secure random token
// generation, client IP extraction, request rate limiting, sensitive-value
// redaction, and audit logging.
//
// # Rate Limiting
//
// The RateLimiter grants each identifier (usually a client IP) a fixed request
// budget per window and rejects requests beyond it before any state mutation
// happens. Per-identifier limiters are kept in an LRU so memory stays bounded
// under distributed load.
//
//	limiter := security.NewRateLimiter(25, 10*time.Second, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // 429 + Retry-After
//	}
package security
