package divratio

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var periodRE = regexp.MustCompile(`^([0-9]+)(d|wk|mo|y)$`)

// PeriodStart returns the first date of a trailing period such as "5y",
// "6mo", "2wk" or "30d" ending at now. "max" returns the zero time.
func PeriodStart(now time.Time, period string) (time.Time, error) {
	if period == "max" {
		return time.Time{}, nil
	}

	m := periodRE.FindStringSubmatch(period)
	if m == nil {
		return time.Time{}, fmt.Errorf("invalid period: %q", period)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid period: %q", period)
	}

	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch m[2] {
	case "d":
		return today.AddDate(0, 0, -n), nil
	case "wk":
		return today.AddDate(0, 0, -7*n), nil
	case "mo":
		return today.AddDate(0, -n, 0), nil
	default:
		return today.AddDate(-n, 0, 0), nil
	}
}
