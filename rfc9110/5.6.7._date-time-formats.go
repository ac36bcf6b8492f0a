package rfc9110

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// §  5.6.7.  Date/Time Formats
// §
// §     A recipient that parses a timestamp value in an HTTP field MUST
// §     accept all three HTTP-date formats.

// HttpDate parses an HTTP-date in IMF-fixdate or one of the obsolete formats.
func HttpDate(dateStr string) (time.Time, error) {
	if date, err := imfDate(dateStr); err == nil {
		return date, nil
	} else if date, obsErr := obsDate(dateStr); obsErr == nil {
		return date, nil
	} else {
		return time.Time{}, err
	}
}

// FormatHttpDate formats t as IMF-fixdate.
//
// §     When a sender generates a field that contains one or more timestamps
// §     defined as HTTP-date, the sender MUST generate those timestamps in
// §     the IMF-fixdate format.
func FormatHttpDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

const imfDateLayout = "Mon, 02 Jan 2006 15:04:05 MST"

func imfDate(dateStr string) (time.Time, error) {
	date, err := time.Parse(imfDateLayout, normalizeDateStr(dateStr))
	if err != nil {
		return date, err
	}
	// §     HTTP-date is case sensitive.  Note that Section 4.2 of [CACHING]
	// §     relaxes this for cache recipients.
	if date.Location().String() != "GMT" && date.Location() != time.UTC {
		return date, fmt.Errorf("date %s is not in GMT time, but %s", date, date.Location())
	}
	return date, nil
}

func obsDate(dateStr string) (time.Time, error) {
	str := normalizeDateStr(dateStr)
	if date, err := time.Parse(time.RFC850, str); err == nil {
		return date, nil
	}
	return time.Parse(time.ANSIC, str)
}

func normalizeDateStr(dateStr string) string {
	return strings.ToUpper(strings.TrimSpace(dateStr))
}
