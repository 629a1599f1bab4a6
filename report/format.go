package report

import (
	"strconv"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiCyan   = "\x1b[36m"
	ansiWhite  = "\x1b[1;37m"
)

// Formatter formats durations and counts for the textual report.
type Formatter struct {
	// Color enables ANSI escape sequences.
	Color bool

	p *message.Printer
}

func NewFormatter(color bool) *Formatter {
	return &Formatter{
		Color: color,
		p:     message.NewPrinter(language.English),
	}
}

func (f *Formatter) printer() *message.Printer {
	if f.p == nil {
		f.p = message.NewPrinter(language.English)
	}
	return f.p
}

// Time formats d in the largest unit that keeps the value at or above one, truncating the remainder. If exact is
// set, the exact number of nanoseconds is appended.
func (f *Formatter) Time(d time.Duration, exact bool) string {
	ns := int64(d)
	var s string
	switch {
	case ns < 0:
		s = strconv.FormatInt(ns, 10) + " ns"
	case ns < 1e3:
		s = strconv.FormatInt(ns, 10) + " ns"
	case ns < 1e6:
		s = strconv.FormatInt(ns/1e3, 10) + " µs"
	case ns < 1e9:
		s = strconv.FormatInt(ns/1e6, 10) + " ms"
	default:
		s = strconv.FormatInt(ns/1e9, 10) + " s"
	}
	if exact {
		s += f.printer().Sprintf(" (%d ns)", ns)
	}
	return s
}

// Count formats c as a share of total, as in "42 (12.5%)". If colored is set and the formatter uses colors, the
// share is colored by its magnitude.
func (f *Formatter) Count(c, total int, colored bool) string {
	if c == 0 {
		return "0 (0%)"
	}
	pct := float64(c) / float64(total) * 100
	s := f.printer().Sprintf("%d", c) + " (" + strconv.FormatFloat(pct, 'g', 5, 64) + "%)"
	if !colored || !f.Color {
		return s
	}
	switch {
	case pct >= 75:
		return ansiRed + s + ansiReset
	case pct >= 30:
		return ansiYellow + s + ansiReset
	default:
		return ansiGreen + s + ansiReset
	}
}

// Number formats n with thousands separators.
func (f *Formatter) Number(n int) string {
	return f.printer().Sprintf("%d", n)
}

func (f *Formatter) paint(color, s string) string {
	if !f.Color {
		return s
	}
	return color + s + ansiReset
}

func (f *Formatter) Name(s string) string { return f.paint(ansiWhite, s) }
func (f *Formatter) Self(s string) string { return f.paint(ansiCyan, s) }
func (f *Formatter) Warn(s string) string { return f.paint(ansiYellow, s) }
