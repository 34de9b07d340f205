// Package quarter computes calendar-quarter boundaries for the triage cycle:
// the testing epic is scoped per quarter and the KPI report compares against
// the quarter-start build.
package quarter

import "time"

// Info describes the current calendar quarter.
type Info struct {
	Start  time.Time // first day of the quarter, midnight UTC
	Number int       // 1..4
	Year   int
}

// Current returns quarter info for the given reference time.
func Current(now time.Time) Info {
	month := now.Month()
	year := now.Year()

	var startMonth time.Month
	var number int
	switch {
	case month <= time.March:
		startMonth, number = time.January, 1
	case month <= time.June:
		startMonth, number = time.April, 2
	case month <= time.September:
		startMonth, number = time.July, 3
	default:
		startMonth, number = time.October, 4
	}

	return Info{
		Start:  time.Date(year, startMonth, 1, 0, 0, 0, 0, time.UTC),
		Number: number,
		Year:   year,
	}
}
