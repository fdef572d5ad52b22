package index

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// TokenValues carries the values substituted into a URL template. Number
// and Time are optional: templates only referencing the other tokens leave
// them nil.
type TokenValues struct {
	RepresentationID string
	Bitrate          int64
	Number           *uint64
	Time             *uint64
}

// templateToken matches $RepresentationID$, $Bitrate$, $Number$ and $Time$
// tokens with an optional zero-padding width ($Number%06d$), plus the $$
// escape for a literal dollar.
var templateToken = regexp.MustCompile(`\$(RepresentationID|Bitrate|Number|Time)?(?:%0(\d+)d)?\$`)

// ValidateTemplate rejects templates containing tokens outside the
// supported set. A failure must fail the Representation, never the whole
// manifest.
func ValidateTemplate(tpl string) error {
	rest := templateToken.ReplaceAllString(tpl, "")
	if strings.Contains(rest, "$") {
		return fmt.Errorf("URL template %q contains an unsupported token", tpl)
	}
	return nil
}

// ExpandTemplate fills the tokens of tpl with the given values. Referencing
// $Number$ or $Time$ without a corresponding value is an error.
func ExpandTemplate(tpl string, v TokenValues) (string, error) {
	var tokErr error
	out := templateToken.ReplaceAllStringFunc(tpl, func(m string) string {
		sub := templateToken.FindStringSubmatch(m)
		name, width := sub[1], sub[2]
		switch name {
		case "":
			return "$"
		case "RepresentationID":
			return v.RepresentationID
		case "Bitrate":
			return padInt(v.Bitrate, width)
		case "Number":
			if v.Number == nil {
				tokErr = fmt.Errorf("template %q needs $Number$ but none was provided", tpl)
				return m
			}
			return padUint(*v.Number, width)
		default: // Time
			if v.Time == nil {
				tokErr = fmt.Errorf("template %q needs $Time$ but none was provided", tpl)
				return m
			}
			return padUint(*v.Time, width)
		}
	})
	if tokErr != nil {
		return "", tokErr
	}
	return out, nil
}

// ParseTemplate recovers from a concrete URL the token values that produced
// it through tpl. It is the inverse of ExpandTemplate; templates repeating
// a token must repeat the same value.
func ParseTemplate(tpl, mediaURL string) (TokenValues, error) {
	var names []string
	var pattern strings.Builder
	pattern.WriteString("^")
	last := 0
	for _, loc := range templateToken.FindAllStringSubmatchIndex(tpl, -1) {
		pattern.WriteString(regexp.QuoteMeta(tpl[last:loc[0]]))
		name := ""
		if loc[2] >= 0 {
			name = tpl[loc[2]:loc[3]]
		}
		if name == "" {
			pattern.WriteString(regexp.QuoteMeta("$"))
		} else if name == "RepresentationID" {
			pattern.WriteString(`(.+?)`)
			names = append(names, name)
		} else {
			pattern.WriteString(`(\d+)`)
			names = append(names, name)
		}
		last = loc[1]
	}
	pattern.WriteString(regexp.QuoteMeta(tpl[last:]))
	pattern.WriteString("$")

	re, err := regexp.Compile(pattern.String())
	if err != nil {
		return TokenValues{}, fmt.Errorf("template %q does not form a valid matcher: %w", tpl, err)
	}
	m := re.FindStringSubmatch(mediaURL)
	if m == nil {
		return TokenValues{}, fmt.Errorf("URL %q does not match template %q", mediaURL, tpl)
	}

	var v TokenValues
	seen := make(map[string]string, len(names))
	for i, name := range names {
		val := m[i+1]
		if prev, ok := seen[name]; ok {
			same := prev == val
			if name != "RepresentationID" {
				pn, err1 := strconv.ParseUint(prev, 10, 64)
				cn, err2 := strconv.ParseUint(val, 10, 64)
				same = err1 == nil && err2 == nil && pn == cn
			}
			if !same {
				return TokenValues{}, fmt.Errorf("URL %q repeats $%s$ with different values", mediaURL, name)
			}
			continue
		}
		seen[name] = val
		switch name {
		case "RepresentationID":
			v.RepresentationID = val
		case "Bitrate":
			b, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return TokenValues{}, fmt.Errorf("invalid $Bitrate$ value %q: %w", val, err)
			}
			v.Bitrate = b
		case "Number":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return TokenValues{}, fmt.Errorf("invalid $Number$ value %q: %w", val, err)
			}
			v.Number = &n
		case "Time":
			t, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return TokenValues{}, fmt.Errorf("invalid $Time$ value %q: %w", val, err)
			}
			v.Time = &t
		}
	}
	return v, nil
}

// expandStaticTokens fills only the Representation-level tokens, for URLs
// that are not per-segment (initialization segments).
func expandStaticTokens(tpls []string, repID string, bitrate int64) []string {
	if len(tpls) == 0 {
		return nil
	}
	out := make([]string, 0, len(tpls))
	for _, tpl := range tpls {
		u, err := ExpandTemplate(tpl, TokenValues{RepresentationID: repID, Bitrate: bitrate})
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	return out
}

func padUint(n uint64, width string) string {
	if width == "" {
		return strconv.FormatUint(n, 10)
	}
	return fmt.Sprintf("%0"+width+"d", n)
}

func padInt(n int64, width string) string {
	if width == "" {
		return strconv.FormatInt(n, 10)
	}
	return fmt.Sprintf("%0"+width+"d", n)
}
