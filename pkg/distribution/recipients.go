package distribution

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ClawsCorp/core/pkg/chain"
)

// ErrInvalidRecipients is returned for recipient lists that can never be
// paid. Nothing is written when it is returned.
var ErrInvalidRecipients = errors.New("invalid recipients")

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// Limits caps the recipient lists.
type Limits struct {
	MaxStakers int
	MaxAuthors int
}

// ValidateRecipients checks both lists against limits.
func ValidateRecipients(stakers, authors []chain.Recipient, limits Limits) error {
	if err := validateList("stakers", stakers, limits.MaxStakers); err != nil {
		return err
	}
	return validateList("authors", authors, limits.MaxAuthors)
}

func validateList(name string, list []chain.Recipient, max int) error {
	if len(list) == 0 {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidRecipients, name)
	}
	if max > 0 && len(list) > max {
		return fmt.Errorf("%w: %s has %d entries, limit is %d", ErrInvalidRecipients, name, len(list), max)
	}
	seen := make(map[string]struct{}, len(list))
	for i, r := range list {
		if !addressPattern.MatchString(r.Address) {
			return fmt.Errorf("%w: %s[%d] address is not 0x followed by 40 hex characters", ErrInvalidRecipients, name, i)
		}
		addr := strings.ToLower(r.Address)
		if addr == zeroAddress {
			return fmt.Errorf("%w: %s[%d] is the zero address", ErrInvalidRecipients, name, i)
		}
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("%w: %s[%d] duplicates address %s", ErrInvalidRecipients, name, i, r.Address)
		}
		seen[addr] = struct{}{}
		if r.Share <= 0 {
			return fmt.Errorf("%w: %s[%d] share must be positive", ErrInvalidRecipients, name, i)
		}
	}
	return nil
}

func shares(list []chain.Recipient) []int64 {
	out := make([]int64, len(list))
	for i, r := range list {
		out[i] = r.Share
	}
	return out
}
