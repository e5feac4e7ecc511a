package apikeys

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcutil/bech32"
)

func TestNewTokenFormat(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 50; i++ {
		token, err := newToken()
		if err != nil {
			t.Fatalf("newToken: %v", err)
		}
		if !strings.HasPrefix(token, tokenHRP+"1") {
			t.Fatalf("token %q missing %q prefix", token, tokenHRP+"1")
		}

		hrp, data, err := bech32.Decode(token)
		if err != nil {
			t.Fatalf("token %q does not decode: %v", token, err)
		}
		if hrp != tokenHRP {
			t.Fatalf("hrp = %q, want %q", hrp, tokenHRP)
		}
		raw, err := bech32.ConvertBits(data, 5, 8, false)
		if err != nil {
			t.Fatalf("regroup: %v", err)
		}
		if len(raw) != 20 {
			t.Fatalf("token body = %d bytes, want 20", len(raw))
		}

		if seen[token] {
			t.Fatalf("token %q repeated", token)
		}
		seen[token] = true
	}
}
