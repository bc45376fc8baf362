package transaction

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"0712345678", "254712345678", false},
		{"0112345678", "254112345678", false},
		{"254712345678", "254712345678", false},
		{"+254 712 345 678", "254712345678", false},
		{"712345678", "254712345678", false},
		{"0812345678", "", true},
		{"07123", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizePhone(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidPhone) {
				t.Errorf("NormalizePhone(%q) err = %v, want ErrInvalidPhone", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, %v, want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestPhonesMatch(t *testing.T) {
	if !PhonesMatch("254712345678", "0712345678") {
		t.Error("same subscriber in different formats should match")
	}
	if !PhonesMatch("254712345678", "254 712-345-678") {
		t.Error("punctuation should be ignored")
	}
	if PhonesMatch("254712345678", "254712345679") {
		t.Error("different numbers matched")
	}
	if PhonesMatch("254712345678", "") {
		t.Error("empty number matched")
	}
}

func TestGenerateUsername(t *testing.T) {
	if got := GenerateUsername("254712345678"); got != "user_345678" {
		t.Fatalf("got %q", got)
	}
}

func TestGeneratePassword(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		p, err := GeneratePassword()
		if err != nil {
			t.Fatal(err)
		}
		if len(p) != PasswordLength {
			t.Fatalf("len(%q) = %d", p, len(p))
		}
		for _, r := range p {
			if !strings.ContainsRune(passwordAlphabet, r) {
				t.Fatalf("unexpected character %q in %q", r, p)
			}
		}
		seen[p] = true
	}
	if len(seen) < 45 {
		t.Fatalf("only %d distinct passwords out of 50", len(seen))
	}
}

func TestNormalizeMAC(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"", "", false},
		{"aa:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF", false},
		{"AA-BB-CC-DD-EE-01", "AA:BB:CC:DD:EE:01", false},
		{"AA:BB:CC:DD:EE", "", true},
		{"GG:BB:CC:DD:EE:FF", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeMAC(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("NormalizeMAC(%q) = %q, %v", tt.in, got, err)
		}
	}
}
