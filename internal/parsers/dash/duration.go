package dash

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var isoDurationRe = regexp.MustCompile(
	`^P(?:(\d+(?:\.\d+)?)Y)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)W)?(?:(\d+(?:\.\d+)?)D)?` +
		`(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// unit factors in seconds, matching the capture groups above. Years and
// months use the nominal 365 and 30 day values.
var isoDurationUnits = [...]float64{365 * 86400, 30 * 86400, 7 * 86400, 86400, 3600, 60, 1}

// parseISODuration parses an ISO 8601 duration string like "PT8.5S" into
// seconds.
func parseISODuration(duration string) (float64, error) {
	m := isoDurationRe.FindStringSubmatch(duration)
	if m == nil {
		return 0, errors.New("invalid ISO 8601 duration: " + duration)
	}
	var total float64
	var matched bool
	for i, factor := range isoDurationUnits {
		if m[i+1] == "" {
			continue
		}
		v, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil {
			return 0, err
		}
		total += v * factor
		matched = true
	}
	if !matched && duration != "P" && duration != "PT" {
		return 0, errors.New("invalid ISO 8601 duration: " + duration)
	}
	return total, nil
}

// optionalDuration parses an optional duration attribute, nil when absent.
func optionalDuration(attr string) (*float64, error) {
	if attr == "" {
		return nil, nil
	}
	v, err := parseISODuration(attr)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// parseDateTime parses an xs:dateTime into seconds since the Unix epoch.
// A missing timezone is read as UTC.
func parseDateTime(s string) (float64, error) {
	s = strings.TrimSpace(s)
	for _, layout := range [...]string{time.RFC3339, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return float64(t.UnixMilli()) / 1000, nil
		}
	}
	return 0, errors.New("invalid xs:dateTime: " + s)
}

// parseByteRange parses a "first-last" range attribute.
func parseByteRange(attr string) (start, end int64, ok bool) {
	i := strings.IndexByte(attr, '-')
	if i <= 0 {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(attr[:i], 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	if i == len(attr)-1 {
		return start, -1, true
	}
	end, err = strconv.ParseInt(attr[i+1:], 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	return start, end, true
}
