package dispatcher

import "time"

const (
	dayFormat   = "2006-01-02"
	monthFormat = "2006-01"
)

// monthsBetween lists the calendar months from from's month through to's
// month, inclusive, as yyyy-MM strings.
func monthsBetween(from, to time.Time) []string {
	start := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(to.Year(), to.Month(), 1, 0, 0, 0, 0, time.UTC)

	var months []string
	for m := start; !m.After(end); m = m.AddDate(0, 1, 0) {
		months = append(months, m.Format(monthFormat))
	}
	return months
}
