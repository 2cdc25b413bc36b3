// Package rfc3339 formats and strictly validates the timestamp grammar
// the uploader's documents and server protocol depend on:
//
//	YYYY-MM-DDTHH:MM:SS(Z|+HH:MM|-HH:MM)
//
// A fractional-second suffix (.ddd) is accepted on input and truncated; it
// is never produced on output. This package is deliberately small and
// stdlib-only (see DESIGN.md) — the grammar is fully specified by
// spec.md §6 and no library in the retrieved pack implements an RFC 3339
// *validator* narrower than what encoding "time" already parses.
package rfc3339

import (
	"regexp"
	"strconv"
	"time"
)

// strict matches the exact grammar from spec.md §6, including the
// fractional-second suffix which is captured but discarded.
var strict = regexp.MustCompile(
	`^(\d{4})-(\d{2})-(\d{2})T(\d{2}):(\d{2}):(\d{2})(?:\.\d+)?(Z|[+-]\d{2}:\d{2})$`)

var daysInMonth = [...]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func daysIn(year, month int) int {
	if month == 2 && isLeap(year) {
		return 29
	}
	return daysInMonth[month-1]
}

// Validate reports whether s is a well-formed timestamp under the grammar
// above: correct field widths, a real calendar date (Gregorian leap years
// included), hour/minute/second within range (leap seconds rejected), and
// an offset of 0-23 hours / 0-59 minutes.
func Validate(s string) bool {
	_, ok := parse(s)
	return ok
}

// Parse validates s and, on success, returns the corresponding time at UTC
// with sub-second precision truncated away.
func Parse(s string) (time.Time, bool) {
	return parse(s)
}

func parse(s string) (time.Time, bool) {
	m := strict.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}

	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	second, _ := strconv.Atoi(m[6])
	offset := m[7]

	if month < 1 || month > 12 {
		return time.Time{}, false
	}
	if day < 1 || day > daysIn(year, month) {
		return time.Time{}, false
	}
	if hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, false
	}

	offsetSeconds := 0
	if offset != "Z" {
		sign := 1
		if offset[0] == '-' {
			sign = -1
		}
		offHour, _ := strconv.Atoi(offset[1:3])
		offMinute, _ := strconv.Atoi(offset[4:6])
		if offHour > 23 || offMinute > 59 {
			return time.Time{}, false
		}
		offsetSeconds = sign * (offHour*3600 + offMinute*60)
	}

	loc := time.FixedZone("", offsetSeconds)
	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
	return t.UTC(), true
}

// FormatUTC renders t (a Unix-epoch second count) as RFC 3339 at zero
// offset, emitting the literal "Z" form used throughout the data model
// for timestamps the server treats as absolute.
func FormatUTC(unix int64) string {
	return time.Unix(unix, 0).UTC().Format("2006-01-02T15:04:05Z")
}

// FormatLocal renders t (a Unix-epoch second count) with the process's
// local UTC offset, e.g. "1996-12-20T00:39:57+00:00". A local offset of
// exactly zero is still rendered as "+00:00", not "Z" — both forms are
// accepted by Validate, and callers that want the "Z" form at zero offset
// should use FormatUTC.
func FormatLocal(unix int64) string {
	t := time.Unix(unix, 0).Local()
	return t.Format("2006-01-02T15:04:05") + offsetSuffix(t)
}

func offsetSuffix(t time.Time) string {
	_, offset := t.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	hours := offset / 3600
	minutes := (offset % 3600) / 60
	return sign + pad2(hours) + ":" + pad2(minutes)
}

func pad2(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

// Clock returns the current wall-clock time in whole seconds since the
// epoch. Isolated here so the uploader and queue packages can be tested
// with an injected clock without touching the real time package.
type Clock func() int64

// SystemClock is the default Clock, reading the real wall clock.
func SystemClock() int64 { return time.Now().Unix() }
