package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestNextOccurrence(t *testing.T) {
	from := time.Date(2025, 3, 10, 12, 30, 0, 0, time.UTC)

	cases := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2025, 3, 10, 12, 31, 0, 0, time.UTC)},
		{"0 * * * *", time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2025, 3, 10, 12, 45, 0, 0, time.UTC)},
		{"0 0 * * *", time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)},
		{"@hourly", time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC)},
		{"@every 2h", time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := NextOccurrence(tc.expr, from)
		if err != nil {
			t.Fatalf("NextOccurrence(%q): %v", tc.expr, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("NextOccurrence(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestNextOccurrenceInvalid(t *testing.T) {
	for _, expr := range []string{"", "not-cron", "99 * * * *", "* * * * * * *"} {
		if _, err := NextOccurrence(expr, time.Now()); !errors.Is(err, ErrInvalidExpression) {
			t.Fatalf("expected ErrInvalidExpression for %q, got %v", expr, err)
		}
	}
}

func TestValidateExpression(t *testing.T) {
	if err := ValidateExpression("*/5 * * * *"); err != nil {
		t.Fatalf("valid expression rejected: %v", err)
	}
	if err := ValidateExpression("bogus"); !errors.Is(err, ErrInvalidExpression) {
		t.Fatalf("expected ErrInvalidExpression, got %v", err)
	}
}
