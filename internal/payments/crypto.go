package payments

import (
	"bytes"
	"encoding/json"
	"fmt"

	"filippo.io/age"
)

// cardCipher encrypts card metadata at rest with an age X25519 recipient.
// Without a configured recipient, card metadata is dropped rather than
// stored in the clear.
type cardCipher struct {
	recipient age.Recipient
}

func newCardCipher(recipient string) (*cardCipher, error) {
	if recipient == "" {
		return &cardCipher{}, nil
	}
	r, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("payments: invalid card metadata recipient: %w", err)
	}
	return &cardCipher{recipient: r}, nil
}

// seal encrypts the card metadata. Returns nil when there is nothing to
// store or no recipient is configured.
func (c *cardCipher) seal(card map[string]any) ([]byte, error) {
	if c == nil || c.recipient == nil || len(card) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(card)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, c.recipient)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
