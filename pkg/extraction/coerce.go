package extraction

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shockerli/cvt"
	"github.com/shopspring/decimal"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
}

// String coerces a loosely typed JSON value to a trimmed string. Objects and
// arrays yield "".
func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case json.Number:
		return t.String()
	case map[string]any, []any:
		return ""
	}
	s, err := cvt.StringE(v)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// Decimal parses numbers sent as numbers or as display strings such as
// "$1,234.50".
func Decimal(v any) (decimal.Decimal, bool) {
	s := String(v)
	if s == "" {
		return decimal.Zero, false
	}
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.', r == '-':
			return r
		}
		return -1
	}, s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Date parses RFC3339, ISO dates, DD/MM/YYYY and MM/DD/YYYY in that order.
func Date(v any) (time.Time, bool) {
	s := String(v)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// normalizeKey folds a JSON key to lower-case alphanumerics so that
// "TotalwithGST", "total_with_gst" and "totalWithGst" compare equal.
func normalizeKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(k) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// lookup returns the first non-empty value stored under any alias.
func lookup(m map[string]any, aliases ...string) any {
	if len(m) == 0 {
		return nil
	}
	index := make(map[string]any, len(m))
	for k, v := range m {
		index[normalizeKey(k)] = v
	}
	for _, a := range aliases {
		v, ok := index[normalizeKey(a)]
		if !ok || v == nil {
			continue
		}
		if _, isList := v.([]any); isList || String(v) != "" {
			return v
		}
	}
	return nil
}
