package numbering

import (
	"errors"
	"testing"
	"time"
)

func TestParseNumber_Valid(t *testing.T) {
	n, err := ParseNumber("SO/25-26/07/004")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.FYStart != 25 || n.FYEnd != 26 {
		t.Errorf("expected fiscal year 25-26, got %02d-%02d", n.FYStart, n.FYEnd)
	}
	if n.Month != 7 {
		t.Errorf("expected month=7, got %d", n.Month)
	}
	if n.Serial != 4 {
		t.Errorf("expected serial=4, got %d", n.Serial)
	}
	if n.String() != "SO/25-26/07/004" {
		t.Errorf("round trip gave %s", n.String())
	}
}

func TestParseNumber_CenturyWrap(t *testing.T) {
	n, err := ParseNumber("SO/99-00/01/1000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Serial != 1000 {
		t.Errorf("expected serial=1000, got %d", n.Serial)
	}
}

func TestParseNumber_Invalid(t *testing.T) {
	tests := []string{
		"",
		"SO/25-26/07",
		"SO/25-26/07/4",
		"SO/25-27/07/004", // years not consecutive
		"SO/25-26/13/004", // month out of range
		"SO/25-26/00/004",
		"SO/25-26/07/000",
		"PO/25-26/07/004",
		"SO/2025-26/07/004",
	}
	for _, s := range tests {
		_, err := ParseNumber(s)
		if !errors.Is(err, ErrInvalidNumber) {
			t.Errorf("expected ErrInvalidNumber for %q, got %v", s, err)
		}
	}
}

func TestFiscalYear(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	tests := []struct {
		name      string
		at        time.Time
		wantStart time.Time
	}{
		{"april first", time.Date(2025, 4, 1, 0, 0, 0, 0, ist), time.Date(2025, 4, 1, 0, 0, 0, 0, ist)},
		{"march last", time.Date(2026, 3, 31, 23, 59, 0, 0, ist), time.Date(2025, 4, 1, 0, 0, 0, 0, ist)},
		{"january", time.Date(2026, 1, 15, 12, 0, 0, 0, ist), time.Date(2025, 4, 1, 0, 0, 0, 0, ist)},
		// 2025-03-31T20:00Z is already April 1 in IST.
		{"utc instant in next local year", time.Date(2025, 3, 31, 20, 0, 0, 0, time.UTC), time.Date(2025, 4, 1, 0, 0, 0, 0, ist)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := FiscalYear(tt.at, ist)
			if !start.Equal(tt.wantStart) {
				t.Errorf("start = %v, want %v", start, tt.wantStart)
			}
			if !end.Equal(tt.wantStart.AddDate(1, 0, 0)) {
				t.Errorf("end = %v, want %v", end, tt.wantStart.AddDate(1, 0, 0))
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		at     time.Time
		serial int
		want   string
	}{
		{time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC), 1, "SO/25-26/07/001"},
		{time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), 42, "SO/25-26/02/042"},
		{time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), 1, "SO/26-27/04/001"},
		{time.Date(2099, 12, 1, 0, 0, 0, 0, time.UTC), 7, "SO/99-00/12/007"},
	}
	for _, tt := range tests {
		if got := Format(tt.at, time.UTC, tt.serial); got != tt.want {
			t.Errorf("Format(%v, %d) = %s, want %s", tt.at, tt.serial, got, tt.want)
		}
	}
}
