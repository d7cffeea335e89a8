package validation

import (
	"strings"
	"testing"

	"github.com/mbd888/admarket/internal/money"
)

func TestIsValidAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		// Invalid cases
		{"1234567890123456789012345678901234567890", false},     // No 0x
		{"0x12345678901234567890123456789012345678", false},     // Too short
		{"0x123456789012345678901234567890123456789012", false}, // Too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},   // Invalid chars
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		result := IsValidAddress(tc.addr)
		if result != tc.valid {
			t.Errorf("IsValidAddress(%q) = %v, want %v", tc.addr, result, tc.valid)
		}
	}
}

func TestIsValidUsername(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"admarket_bot", true},
		{"@channel_name", true},
		{"abcde", true},

		// Invalid cases
		{"abc", false},      // Too short
		{"1channel", false}, // Leading digit
		{"bad-name", false}, // Hyphen
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidUsername(tc.name); got != tc.valid {
			t.Errorf("IsValidUsername(%q) = %v, want %v", tc.name, got, tc.valid)
		}
	}
}

func TestIsValidIdempotencyKey(t *testing.T) {
	if !IsValidIdempotencyKey("pay:ord_1:2024-01-01") {
		t.Error("expected key to be valid")
	}
	if IsValidIdempotencyKey("has space") || IsValidIdempotencyKey("") {
		t.Error("expected key to be invalid")
	}
}

func TestValidIdempotencyKey(t *testing.T) {
	if err := ValidIdempotencyKey("Idempotency-Key", "")(); err != nil {
		t.Error("an absent key is allowed")
	}
	if err := ValidIdempotencyKey("Idempotency-Key", "order-42")(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := ValidIdempotencyKey("Idempotency-Key", strings.Repeat("k", 129))()
	if err == nil || err.Field != "Idempotency-Key" {
		t.Errorf("expected an error on the header, got %v", err)
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("name", "John"),
		ValidAddress("address", "0x1234567890123456789012345678901234567890"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("name", ""),
		ValidAddress("address", "invalid"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		currency money.Currency
		value    string
		valid    bool
	}{
		{money.Stable, "1.00", true},
		{money.Stable, "0.50", true},
		{money.Points, "100", true},
		{money.Stable, "0.000001", true},
		{money.Coin, "0.000000000000000001", true},

		// Invalid
		{money.Stable, "0.0000001", false}, // Beyond stable precision
		{money.Points, "1.5", false},       // Points are whole
		{money.Stable, "abc", false},
		{money.Stable, "-1.00", false},
		{money.Stable, "1.2.3", false},
		{money.Stable, "0", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.currency, tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidAmount(%s, %q) valid=%v, want %v", tc.currency, tc.value, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
