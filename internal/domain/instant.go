package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// InstantResolution is the precision every stored instant is truncated to.
const InstantResolution = time.Microsecond

// layouts without zone information are read as UTC, which is what exchange exports use.
var instantLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
	"20060102",
}

const (
	// unix values above this are treated as milliseconds
	unixMillisThreshold = 1e11
	// shorter digit runs are compact dates or garbage, not Unix time
	unixMinDigits = 9

	minInstantYear = 0
	maxInstantYear = 9999
)

// ParseInstant parses s into a UTC instant truncated to InstantResolution.
// Accepted forms are RFC 3339, "YYYY-MM-DD hh:mm:ss[.ffffff]" (UTC),
// "YYYY-MM-DD", "YYYYMMDD" and integer Unix seconds or milliseconds of at
// least nine digits. Instants outside years 0000-9999 are rejected.
func ParseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.Wrap(ErrInvalidTimestamp, "empty value")
	}

	if len(s) >= unixMinDigits && isDigits(s) {
		unix, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, errors.Wrapf(ErrInvalidTimestamp, "unix time %q out of range", s)
		}
		if unix >= unixMillisThreshold {
			return checkRange(time.UnixMilli(unix), s)
		}
		return checkRange(time.Unix(unix, 0), s)
	}

	for _, layout := range instantLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return checkRange(t, s)
		}
	}

	return time.Time{}, errors.Wrapf(ErrInvalidTimestamp, "unrecognized format %q", s)
}

func checkRange(t time.Time, raw string) (time.Time, error) {
	t = NormalizeInstant(t)
	if y := t.Year(); y < minInstantYear || y > maxInstantYear {
		return time.Time{}, errors.Wrapf(ErrInvalidTimestamp, "%q outside years %04d-%04d", raw, minInstantYear, maxInstantYear)
	}
	return t, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// NormalizeInstant converts t to UTC at ledger resolution.
func NormalizeInstant(t time.Time) time.Time {
	return t.UTC().Truncate(InstantResolution)
}

// FormatInstant renders t the way trades are exported: RFC 3339 with microseconds.
func FormatInstant(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}
