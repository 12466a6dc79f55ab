package processors

import (
	"math"
	"time"

	"github.com/araddon/dateparse"
	"github.com/tidwall/gjson"
)

// secondsCutoff separates epoch seconds from epoch milliseconds. 1e11
// seconds is in the year 5138, 1e11 milliseconds in 1973.
const secondsCutoff = 1e11

// Lookup resolves a dot path such as "meta.id" or "items.0.key" against a
// raw JSON document.
func Lookup(raw, path string) (gjson.Result, bool) {
	if path == "" || raw == "" {
		return gjson.Result{}, false
	}
	r := gjson.Get(raw, path)
	if !r.Exists() || r.Type == gjson.Null {
		return gjson.Result{}, false
	}
	return r, true
}

// Key is a dedupe key read from a payload. Text is the printable value;
// objects and arrays keep their JSON text.
type Key struct {
	Text string
	kind gjson.Type
}

// Identity distinguishes keys by JSON type, so the number 1 and the string
// "1" are different keys.
func (k Key) Identity() string {
	return k.kind.String() + ":" + k.Text
}

// ExtractKey returns the dedupe key at path. Missing, null and empty string
// values yield no key.
func ExtractKey(raw, path string) (Key, bool) {
	r, ok := Lookup(raw, path)
	if !ok {
		return Key{}, false
	}
	key := Key{Text: r.String(), kind: r.Type}
	return key, key.Text != ""
}

// ExtractTimestamp reads the timestamp at path. Numbers below 1e11 are epoch
// seconds and larger ones epoch milliseconds; strings are parsed leniently,
// as UTC when they carry no zone.
// Anything missing or unparsable yields now.
func ExtractTimestamp(raw, path string, now time.Time) time.Time {
	r, ok := Lookup(raw, path)
	if !ok {
		return now
	}

	switch r.Type {
	case gjson.Number:
		n := r.Float()
		if math.IsNaN(n) || math.IsInf(n, 0) || n < 0 {
			return now
		}
		if n < secondsCutoff {
			sec, frac := math.Modf(n)
			return time.Unix(int64(sec), int64(frac*1e9)).UTC()
		}
		return time.UnixMilli(int64(n)).UTC()
	case gjson.String:
		t, err := dateparse.ParseIn(r.String(), time.UTC)
		if err != nil {
			return now
		}
		return t.UTC()
	default:
		return now
	}
}
