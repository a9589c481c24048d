// Package numbering issues sale-order numbers that group ordered lots into
// one commercial document per batch.
package numbering

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// numberRegex matches: SO/{FYstartYY}-{FYendYY}/{MM}/{NNN}
// Example: SO/25-26/07/004
var numberRegex = regexp.MustCompile(`^SO/(\d{2})-(\d{2})/(\d{2})/(\d{3,})$`)

var ErrInvalidNumber = errors.New("numbering: invalid sale-order number")

// Number is a parsed sale-order number.
type Number struct {
	FYStart int `json:"fy_start"` // two-digit year the fiscal year starts in
	FYEnd   int `json:"fy_end"`
	Month   int `json:"month"`
	Serial  int `json:"serial"`
}

func (n Number) String() string {
	return fmt.Sprintf("SO/%02d-%02d/%02d/%03d", n.FYStart, n.FYEnd, n.Month, n.Serial)
}

// ParseNumber parses and validates a sale-order number.
func ParseNumber(s string) (*Number, error) {
	m := numberRegex.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("%w: %s (expected SO/{yy}-{yy}/{MM}/{NNN})", ErrInvalidNumber, s)
	}

	start, _ := strconv.Atoi(m[1])
	end, _ := strconv.Atoi(m[2])
	month, _ := strconv.Atoi(m[3])
	serial, err := strconv.Atoi(m[4])
	if err != nil {
		return nil, fmt.Errorf("%w: serial %s", ErrInvalidNumber, m[4])
	}

	if end != (start+1)%100 {
		return nil, fmt.Errorf("%w: fiscal year %s-%s", ErrInvalidNumber, m[1], m[2])
	}
	if month < 1 || month > 12 {
		return nil, fmt.Errorf("%w: month %s", ErrInvalidNumber, m[3])
	}
	if serial < 1 {
		return nil, fmt.Errorf("%w: serial %s", ErrInvalidNumber, m[4])
	}

	return &Number{FYStart: start, FYEnd: end, Month: month, Serial: serial}, nil
}

// FiscalYear returns the [start, end) window of the April-to-March fiscal
// year containing t, evaluated in loc.
func FiscalYear(t time.Time, loc *time.Location) (time.Time, time.Time) {
	t = t.In(loc)
	year := t.Year()
	if t.Month() < time.April {
		year--
	}
	start := time.Date(year, time.April, 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(1, 0, 0)
}

// Format builds the number for the serial-th sale order of the fiscal year
// containing t.
func Format(t time.Time, loc *time.Location, serial int) string {
	start, _ := FiscalYear(t, loc)
	return Number{
		FYStart: start.Year() % 100,
		FYEnd:   (start.Year() + 1) % 100,
		Month:   int(t.In(loc).Month()),
		Serial:  serial,
	}.String()
}
