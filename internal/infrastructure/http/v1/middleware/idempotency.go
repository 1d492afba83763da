package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stockbook/internal/core/apperror"
)

const (
	HeaderIdempotencyKey = "X-Idempotency-Key"
	// HeaderIdempotentReplay is set on responses replayed from a stored result.
	HeaderIdempotentReplay = "Idempotent-Replayed"

	ctxKeyIdempotency     = "idempotency_key"
	maxIdempotencyKeySize = 255
)

// Idempotency middleware extracts X-Idempotency-Key on mutating requests.
// The key is claimed by the ledger inside the operation's own unit of work,
// so a replay returns the stored result without re-running it.
func Idempotency() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			c.Next()
			return
		}

		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxIdempotencyKeySize {
			_ = c.Error(apperror.NewValidation("idempotency key is too long").
				WithDetail("header", HeaderIdempotencyKey).
				WithDetail("max_length", maxIdempotencyKeySize))
			c.Abort()
			return
		}

		c.Set(ctxKeyIdempotency, key)
		c.Next()
	}
}

// IdempotencyKey returns the key extracted by Idempotency, or "".
func IdempotencyKey(c *gin.Context) string {
	return c.GetString(ctxKeyIdempotency)
}
