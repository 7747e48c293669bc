package ledger

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrInvalidMonth is returned for identifiers that are not YYYYMM.
var ErrInvalidMonth = errors.New("invalid month id")

// MonthID identifies a calendar month as YYYYMM, e.g. "202501".
type MonthID string

// ParseMonth validates s and returns it as a MonthID.
func ParseMonth(s string) (MonthID, error) {
	if len(s) != 6 {
		return "", fmt.Errorf("%w: %q", ErrInvalidMonth, s)
	}
	year, err := strconv.Atoi(s[:4])
	if err != nil || year < 2000 {
		return "", fmt.Errorf("%w: %q", ErrInvalidMonth, s)
	}
	month, err := strconv.Atoi(s[4:])
	if err != nil || month < 1 || month > 12 {
		return "", fmt.Errorf("%w: %q", ErrInvalidMonth, s)
	}
	return MonthID(s), nil
}

// Start returns the first instant of the month in UTC.
func (m MonthID) Start() time.Time {
	t, _ := time.Parse("200601", string(m))
	return t
}

func (m MonthID) String() string { return string(m) }
