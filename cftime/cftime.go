/*
Copyright © 2024 the nacordex authors.
This file is part of nacordex.

nacordex is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

nacordex is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with nacordex.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package cftime decodes time coordinates that follow the CF metadata
// conventions ("days since 1949-12-01" and similar), including the
// non-standard model calendars used by regional climate models.
package cftime

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Calendar is a CF calendar.
type Calendar int

// These are the supported calendars. Standard covers "standard",
// "gregorian" and "proleptic_gregorian", which are treated identically.
const (
	Standard Calendar = iota
	NoLeap
	AllLeap
	Day360
)

func (c Calendar) String() string {
	switch c {
	case Standard:
		return "standard"
	case NoLeap:
		return "noleap"
	case AllLeap:
		return "all_leap"
	case Day360:
		return "360_day"
	default:
		return fmt.Sprintf("Calendar(%d)", int(c))
	}
}

// ParseCalendar returns the calendar named by the CF "calendar" attribute.
// An empty name means the standard calendar.
func ParseCalendar(name string) (Calendar, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "standard", "gregorian", "proleptic_gregorian":
		return Standard, nil
	case "noleap", "365_day":
		return NoLeap, nil
	case "all_leap", "366_day":
		return AllLeap, nil
	case "360_day":
		return Day360, nil
	default:
		return Standard, fmt.Errorf("cftime: unsupported calendar %q", name)
	}
}

var (
	noLeapMonths  = [12]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
	allLeapMonths = [12]int{31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
)

// monthLength returns the number of days in the given month.
func (c Calendar) monthLength(year, month int) int {
	switch c {
	case NoLeap:
		return noLeapMonths[month-1]
	case AllLeap:
		return allLeapMonths[month-1]
	case Day360:
		return 30
	default:
		if month == 2 && isLeap(year) {
			return 29
		}
		return noLeapMonths[month-1]
	}
}

// YearLength returns the number of days in the given year.
func (c Calendar) YearLength(year int) int {
	switch c {
	case NoLeap:
		return 365
	case AllLeap:
		return 366
	case Day360:
		return 360
	default:
		if isLeap(year) {
			return 366
		}
		return 365
	}
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// Date is a calendar date and time of day. It is calendar-agnostic: a Date
// such as February 30th is valid in the 360_day calendar.
type Date struct {
	Year, Month, Day     int
	Hour, Minute, Second int
}

// String formats the date as "YYYY-MM-DD hh:mm:ss".
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", d.Year, d.Month, d.Day, d.Hour, d.Minute, d.Second)
}

// Before reports whether d is earlier than o.
func (d Date) Before(o Date) bool {
	a := [6]int{d.Year, d.Month, d.Day, d.Hour, d.Minute, d.Second}
	b := [6]int{o.Year, o.Month, o.Day, o.Hour, o.Minute, o.Second}
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// DayOfYear returns the zero-based day of the year of d in calendar c.
func (c Calendar) DayOfYear(d Date) int {
	n := d.Day - 1
	for m := 1; m < d.Month; m++ {
		n += c.monthLength(d.Year, m)
	}
	return n
}

// DecimalYear returns d as a fractional year, suitable for use as a
// continuous plotting axis. 2000-07-02 in the noleap calendar is 2000.5.
func (c Calendar) DecimalYear(d Date) float64 {
	secs := float64(d.Hour*3600 + d.Minute*60 + d.Second)
	days := float64(c.DayOfYear(d)) + secs/86400
	return float64(d.Year) + days/float64(c.YearLength(d.Year))
}

// Add returns d shifted by the given number of seconds in calendar c.
func (c Calendar) Add(d Date, seconds int64) Date {
	if c == Standard {
		t := time.Date(d.Year, time.Month(d.Month), d.Day, d.Hour, d.Minute, d.Second, 0, time.UTC)
		t = t.Add(time.Duration(seconds) * time.Second)
		return Date{
			Year: t.Year(), Month: int(t.Month()), Day: t.Day(),
			Hour: t.Hour(), Minute: t.Minute(), Second: t.Second(),
		}
	}
	total := int64(c.days(d))*86400 + int64(d.Hour*3600+d.Minute*60+d.Second) + seconds
	days := floorDiv(total, 86400)
	sod := int(total - days*86400)
	o := c.fromDays(days)
	o.Hour = sod / 3600
	o.Minute = (sod % 3600) / 60
	o.Second = sod % 60
	return o
}

// days returns the number of days between year 0 day 0 and d for the
// fixed-length calendars.
func (c Calendar) days(d Date) int {
	return d.Year*c.YearLength(d.Year) + c.DayOfYear(d)
}

func (c Calendar) fromDays(days int64) Date {
	yl := int64(c.YearLength(0))
	year := floorDiv(days, yl)
	rem := int(days - year*yl)
	month := 1
	for month < 12 && rem >= c.monthLength(int(year), month) {
		rem -= c.monthLength(int(year), month)
		month++
	}
	return Date{Year: int(year), Month: month, Day: rem + 1}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Units is a parsed CF time unit string.
type Units struct {
	// Seconds is the length of one unit in seconds.
	Seconds float64
	// Epoch is the reference date.
	Epoch Date
}

// ParseUnits parses strings like "days since 1949-12-01 00:00:00".
func ParseUnits(s string) (Units, error) {
	parts := strings.SplitN(strings.TrimSpace(s), " since ", 2)
	if len(parts) != 2 {
		return Units{}, fmt.Errorf("cftime: invalid time units %q", s)
	}
	var u Units
	switch strings.ToLower(strings.TrimSpace(parts[0])) {
	case "days", "day", "d":
		u.Seconds = 86400
	case "hours", "hour", "hrs", "hr", "h":
		u.Seconds = 3600
	case "minutes", "minute", "mins", "min":
		u.Seconds = 60
	case "seconds", "second", "secs", "sec", "s":
		u.Seconds = 1
	default:
		return Units{}, fmt.Errorf("cftime: unsupported time unit %q in %q", parts[0], s)
	}
	epoch, err := ParseDate(parts[1])
	if err != nil {
		return Units{}, err
	}
	u.Epoch = epoch
	return u, nil
}

// ParseDate parses "YYYY-M-D", optionally followed by a space or "T" and
// "hh:mm:ss". Fractional seconds and a trailing "Z" are ignored.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "Z")
	var datePart, timePart string
	if i := strings.IndexAny(s, " T"); i >= 0 {
		datePart, timePart = s[:i], strings.TrimSpace(s[i+1:])
	} else {
		datePart = s
	}
	ymd := strings.Split(datePart, "-")
	if len(ymd) != 3 {
		return Date{}, fmt.Errorf("cftime: invalid date %q", s)
	}
	var d Date
	var err error
	for i, dst := range []*int{&d.Year, &d.Month, &d.Day} {
		if *dst, err = strconv.Atoi(ymd[i]); err != nil {
			return Date{}, fmt.Errorf("cftime: invalid date %q: %v", s, err)
		}
	}
	if timePart != "" {
		if i := strings.IndexAny(timePart, " +"); i >= 0 {
			timePart = timePart[:i]
		}
		hms := strings.Split(timePart, ":")
		for i, dst := range []*int{&d.Hour, &d.Minute, &d.Second} {
			if i >= len(hms) {
				break
			}
			f, err := strconv.ParseFloat(hms[i], 64)
			if err != nil {
				return Date{}, fmt.Errorf("cftime: invalid time of day %q: %v", s, err)
			}
			*dst = int(f)
		}
	}
	if d.Month < 1 || d.Month > 12 || d.Day < 1 || d.Day > 31 {
		return Date{}, fmt.Errorf("cftime: date out of range %q", s)
	}
	return d, nil
}

// Decode converts numeric time offsets to dates.
func Decode(values []float64, units string, c Calendar) ([]Date, error) {
	u, err := ParseUnits(units)
	if err != nil {
		return nil, err
	}
	o := make([]Date, len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("cftime: non-finite time value at index %d", i)
		}
		o[i] = c.Add(u.Epoch, int64(math.Round(v*u.Seconds)))
	}
	return o, nil
}
