// Package security provides response hardening for gateway-owned endpoints.
package security

import (
	"github.com/gin-gonic/gin"
)

// HeadersMiddleware adds security headers to the gateway's own JSON
// endpoints. Proxied responses are left untouched.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Prevent MIME type sniffing
		c.Header("X-Content-Type-Options", "nosniff")

		// Prevent clickjacking
		c.Header("X-Frame-Options", "DENY")

		c.Header("Referrer-Policy", "no-referrer")

		// JSON only: nothing to load, nothing to frame
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// Health and admin answers must never be served from a cache
		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}
