package protocol

import (
	"testing"
)

func TestEscape(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"comma", "a,b", "a%2Cb"},
		{"percent", "50%", "50%25"},
		{"crlf", "a\r\nb", "a%0D%0Ab"},
		{"mixed", "1,2%3\n", "1%2C2%253%0A"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Escape(tt.in); got != tt.want {
				t.Errorf("Escape() = %q, want %q", got, tt.want)
			}
			back, err := Unescape(tt.want)
			if err != nil {
				t.Fatalf("Unescape() error = %v", err)
			}
			if back != tt.in {
				t.Errorf("Unescape(Escape()) = %q, want %q", back, tt.in)
			}
		})
	}
}

func TestUnescape(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain", "hello", "hello", false},
		{"space", "foo%20bar", "foo bar", false},
		{"lowercase hex", "a%2cb", "a,b", false},
		{"hash", "%23", "#", false},
		{"truncated", "abc%2", "", true},
		{"trailing percent", "abc%", "", true},
		{"bad hex", "%2G", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unescape(tt.in)
			if tt.wantErr != (err != nil) {
				t.Fatalf("Unescape() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Unescape() = %q, want %q", got, tt.want)
			}
		})
	}
}
