package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidExpression marks a recurrence expression the parser rejects.
var ErrInvalidExpression = errors.New("invalid recurrence expression")

// standard five-field cron plus the @every/@hourly descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextOccurrence returns the first time after from that matches the
// expression.
func NextOccurrence(expression string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expression, err)
	}
	return sched.Next(from), nil
}

// ValidateExpression rejects expressions the poll loop would never be able
// to schedule.
func ValidateExpression(expression string) error {
	_, err := cronParser.Parse(expression)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expression, err)
	}
	return nil
}
