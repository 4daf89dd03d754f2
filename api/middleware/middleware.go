/*
Copyright 2024 Medtrace Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
	"github.com/medtrace/medtrace/config"
)

// newLimiter returns the token bucket configured for the server, or nil when rate
// limiting is off. Each middleware gets its own bucket set.
func newLimiter(conf *config.Configuration) *limiter.Limiter {
	rl := conf.RateLimit
	if rl.RequestsPerSecond == nil || rl.Burst == nil {
		return nil
	}
	ttl := time.Hour
	if rl.CleanupIntervalSec != nil {
		ttl = time.Duration(*rl.CleanupIntervalSec) * time.Second
	}
	lmt := tollbooth.NewLimiter(*rl.RequestsPerSecond, &limiter.ExpirableOptions{DefaultExpirationTTL: ttl})
	lmt.SetBurst(*rl.Burst)
	return lmt
}

// limitBy charges one request against the bucket named by key.
func limitBy(lmt *limiter.Limiter, key func(c *gin.Context) string) gin.HandlerFunc {
	if lmt == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	return func(c *gin.Context) {
		if httpError := tollbooth.LimitByKeys(lmt, []string{key(c)}); httpError != nil {
			c.AbortWithStatusJSON(httpError.StatusCode, gin.H{"error": httpError.Message})
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware limits anonymous callers, such as the public verification
// endpoint, by client address.
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	return limitBy(newLimiter(conf), func(c *gin.Context) string {
		return "ip:" + c.ClientIP()
	})
}

// PrincipalRateLimitMiddleware gives every authenticated principal its own budget, so
// callers sharing an egress address do not throttle each other. It must run after
// Authenticate.
func PrincipalRateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	return limitBy(newLimiter(conf), func(c *gin.Context) string {
		if p, ok := PrincipalFrom(c); ok {
			return "principal:" + p.ID
		}
		return "ip:" + c.ClientIP()
	})
}

const SecretKeyHeader = "X-Medtrace-Key"

// SecretKeyAuthMiddleware guards every route with the shared server secret presented in
// the X-Medtrace-Key header. It sits in front of the principal headers, which are only
// trusted from callers holding the secret.
func SecretKeyAuthMiddleware(conf *config.Configuration) gin.HandlerFunc {
	secretKey := conf.Server.SecretKey
	return func(c *gin.Context) {
		if secretKey == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Secret key is not configured"})
			return
		}
		clientSecret := c.GetHeader(SecretKeyHeader)
		switch {
		case clientSecret == "":
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing secret key"})
		case !secureCompare(secretKey, clientSecret):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid secret key"})
		default:
			c.Next()
		}
	}
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
