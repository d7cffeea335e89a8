package security

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	// SignatureHeader carries hex(HMAC-SHA256(secret, timestamp + "." + body)).
	SignatureHeader = "X-Signature"
	// TimestampHeader carries the unix time the request was signed at.
	TimestampHeader = "X-Signature-Timestamp"
)

// Sign computes the callback signature for body at timestamp ts.
func Sign(secret string, ts int64, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks sig against body and rejects timestamps further than
// tolerance from now.
func Verify(secret string, ts int64, body []byte, sig string, tolerance time.Duration, now time.Time) bool {
	if secret == "" {
		return false
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < -tolerance || skew > tolerance {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(Sign(secret, ts, body))
	return hmac.Equal(want, got)
}

// SignatureMiddleware authenticates server-to-server callbacks. The body is
// buffered and restored for the handler.
func SignatureMiddleware(secret string, tolerance time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		ts, err := strconv.ParseInt(c.GetHeader(TimestampHeader), 10, 64)
		if err != nil || !Verify(secret, ts, body, c.GetHeader(SignatureHeader), tolerance, time.Now()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Callback signature is missing or invalid"})
			return
		}
		c.Next()
	}
}
