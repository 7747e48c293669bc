package distribution

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/ClawsCorp/core/pkg/chain"
	"github.com/ClawsCorp/core/pkg/ledger"
)

// ExecutePayload is the recipient set an execute key is derived from.
type ExecutePayload struct {
	Stakers []chain.Recipient `json:"stakers"`
	Authors []chain.Recipient `json:"authors"`
}

// CreateKey identifies the create call for a month's profit. A corrected
// profit yields a new key.
func CreateKey(month ledger.MonthID, profit int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", month, profit)))
	return "create:" + hex.EncodeToString(sum[:])[:32]
}

// ExecuteKey derives the execute key from the canonical JSON of the
// recipient payload followed by the month.
func ExecuteKey(month ledger.MonthID, p ExecutePayload) (string, error) {
	canon, err := Canonical(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(canon, string(month)...))
	return "execute:" + hex.EncodeToString(sum[:]), nil
}

// Canonical returns the RFC 8785 form of v.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// PayloadHash is hex(sha256(canonical(v))).
func PayloadHash(v any) (string, error) {
	canon, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
