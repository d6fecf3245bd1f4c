package handlers

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeUsername(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"  Alice  ", "Alice"},
		{"Bob\x00\x1b[31m", "Bob[31m"},
		{"Carol\nDane", "CarolDane"},
		{"Übermensch", "Übermensch"},
	}
	for _, tc := range cases {
		if got := sanitizeUsername(tc.in); got != tc.want {
			t.Errorf("sanitizeUsername(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeUsernameTruncatesOnRuneBoundary(t *testing.T) {
	// 120 two-byte runes: a byte-offset cut at 100 would land mid-rune.
	name := strings.Repeat("é", 120)

	got := sanitizeUsername(name)
	if !utf8.ValidString(got) {
		t.Fatal("truncated name must stay valid UTF-8")
	}
	if n := utf8.RuneCountInString(got); n != maxUsernameLength {
		t.Fatalf("expected %d runes, got %d", maxUsernameLength, n)
	}
}

func TestIsValidEmail(t *testing.T) {
	valid := []string{"a@b.co", "user.name+tag@example.com"}
	invalid := []string{"", "plain", "a@b", "@example.com", "a b@example.com"}

	for _, email := range valid {
		if !isValidEmail(email) {
			t.Errorf("expected %q to be valid", email)
		}
	}
	for _, email := range invalid {
		if isValidEmail(email) {
			t.Errorf("expected %q to be invalid", email)
		}
	}
}
