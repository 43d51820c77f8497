package domain

import (
	"testing"
	"unicode/utf8"
)

func TestKeyHint(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{"ascii", "sk-aaaaaaaaaaaaaaaaaaaa1234", "…1234"},
		{"short", "sk-short", "…"},
		{"multibyte suffix", "generic-key-ключ", "…ключ"},
		{"counts characters not bytes", "ключключклю", "…"},
		{"emoji", "token-value-🔑🔑🔑🔑", "…🔑🔑🔑🔑"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := KeyHint(tt.key)
			if got != tt.want {
				t.Errorf("KeyHint(%q) = %q, want %q", tt.key, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("KeyHint(%q) = %q is not valid UTF-8", tt.key, got)
			}
		})
	}
}
