// Package validation provides input validation helpers for request payloads.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/admarket/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// evmAddressRegex validates 0x-prefixed 20-byte addresses
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// usernameRegex follows Telegram's public username rules
	usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{3,31}$`)
	// idempotencyKeyRegex keeps client keys printable and bounded
	idempotencyKeyRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,128}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAddress checks if a string is a valid chain address
func IsValidAddress(addr string) bool {
	return evmAddressRegex.MatchString(addr)
}

// IsValidUsername checks a Telegram username, with or without the leading @.
func IsValidUsername(name string) bool {
	return usernameRegex.MatchString(strings.TrimPrefix(name, "@"))
}

// IsValidIdempotencyKey checks a client-supplied Idempotency-Key header.
func IsValidIdempotencyKey(key string) bool {
	return idempotencyKeyRegex.MatchString(key)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks if a field is a valid chain address
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid address (0x...)"}
		}
		return nil
	}
}

// ValidUsername checks an optional Telegram username field.
func ValidUsername(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidUsername(value) {
			return &ValidationError{Field: field, Message: "must be a Telegram username (5-32 letters, digits or _)"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidIdempotencyKey checks an optional Idempotency-Key header value.
func ValidIdempotencyKey(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidIdempotencyKey(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 letters, digits or _-:."}
		}
		return nil
	}
}

// ValidAmount checks that value is a positive amount of currency c with no
// more fractional digits than the currency carries.
func ValidAmount(field string, c money.Currency, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		d, err := money.Parse(c, value)
		if err != nil {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if !d.IsPositive() {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// Abort writes errs as a 400 response.
func Abort(c *gin.Context, errs ValidationErrors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": errs.Error(),
		"details": errs,
	})
}
