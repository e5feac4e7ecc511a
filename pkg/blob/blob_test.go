package blob

import (
	"errors"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

func TestClassify(t *testing.T) {
	store := &Store{log: zerolog.Nop()}

	tests := []struct {
		name string
		code string
		want error
	}{
		{"missing object", "NoSuchKey", ErrNotFound},
		{"not found alias", "NotFound", ErrNotFound},
		{"bad credentials", "AccessDenied", ErrAuth},
		{"bad key id", "InvalidAccessKeyId", ErrAuth},
		{"quota", "QuotaExceeded", ErrQuota},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.classify(&smithy.GenericAPIError{Code: tt.code, Message: tt.name})
			if !errors.Is(err, tt.want) {
				t.Fatalf("classify(%s) = %v, want %v", tt.code, err, tt.want)
			}
		})
	}

	transient := errors.New("connection reset")
	if got := store.classify(transient); got != transient {
		t.Fatalf("transient error rewritten: %v", got)
	}
	if store.classify(nil) != nil {
		t.Fatal("nil error classified as failure")
	}
}

func TestEncodeSHA256(t *testing.T) {
	got, err := encodeSHA256("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	if err != nil {
		t.Fatalf("encodeSHA256: %v", err)
	}
	if got != "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=" {
		t.Fatalf("encoded = %q", got)
	}

	if _, err := encodeSHA256(""); err == nil {
		t.Fatal("empty digest accepted")
	}
	if _, err := encodeSHA256("not-hex"); err == nil {
		t.Fatal("non-hex digest accepted")
	}
}
