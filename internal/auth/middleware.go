package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyCaller is the gin context key holding the authenticated common.Address.
	ContextKeyCaller = "authCaller"
	// ContextKeyFailure holds the rejection reason (missing, timestamp, signature)
	// for the metrics middleware.
	ContextKeyFailure = "authFailure"
)

// Options tunes the middleware. Zero values pick the defaults.
type Options struct {
	MaxSkew time.Duration
	Now     func() time.Time
}

// RequireCaller rejects requests without a valid caller signature and
// stores the recovered address in the context.
func RequireCaller(opts Options) gin.HandlerFunc {
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = DefaultMaxSkew
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return func(c *gin.Context) {
		var body []byte
		if c.Request.Body != nil {
			b, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
					"error":   "invalid_request",
					"message": "Request body could not be read",
				})
				return
			}
			body = b
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		caller, err := Verify(
			c.GetHeader(HeaderAddress),
			c.GetHeader(HeaderTimestamp),
			c.GetHeader(HeaderSignature),
			c.Request.Method,
			c.Request.URL.Path,
			body,
			opts.Now(),
			opts.MaxSkew,
		)
		if err != nil {
			reason, msg := "missing", "Caller signature required. Send X-Caller-Address, X-Caller-Timestamp and X-Caller-Signature."
			switch {
			case errors.Is(err, ErrBadTimestamp):
				reason, msg = "timestamp", "X-Caller-Timestamp is outside the allowed window."
			case errors.Is(err, ErrBadSignature):
				reason, msg = "signature", "X-Caller-Signature does not match X-Caller-Address."
			}
			c.Set(ContextKeyFailure, reason)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": msg,
			})
			return
		}

		c.Set(ContextKeyCaller, caller)
		c.Next()
	}
}

// Caller returns the authenticated caller, if any.
func Caller(c *gin.Context) (common.Address, bool) {
	v, ok := c.Get(ContextKeyCaller)
	if !ok {
		return common.Address{}, false
	}
	addr, ok := v.(common.Address)
	return addr, ok
}
