package answer

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Statistic values are one of nil, int64 (counts), float64, bool or string.
// Timestamps are RFC 3339 strings in UTC. Fresh and cached answers hold the
// same types.

// countStats are the statistics reported as int64.
var countStats = map[string]bool{"n": true, "count": true}

func statOf(key string) string {
	if i := strings.LastIndex(key, "__"); i >= 0 {
		return key[i+2:]
	}
	return key
}

// normalize converts a scanned or decoded value for key to its canonical
// type.
func normalize(key string, v any) any {
	count := countStats[statOf(key)]
	num := func(f float64) any {
		if count {
			return int64(f)
		}
		return f
	}
	switch x := v.(type) {
	case nil, bool, string:
		return x
	case int64:
		if count {
			return x
		}
		return float64(x)
	case int:
		return num(float64(x))
	case int32:
		return num(float64(x))
	case int16:
		return num(float64(x))
	case float32:
		return num(float64(x))
	case float64:
		return num(x)
	case json.Number:
		if i, err := x.Int64(); err == nil && count {
			return i
		}
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return num(f)
	case pgtype.Numeric:
		if !x.Valid || x.NaN {
			return nil
		}
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return num(f.Float64)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	}
	return v
}

func normalizeValues(values map[string]any) {
	for k, v := range values {
		values[k] = normalize(k, v)
	}
}

// UnmarshalJSON decodes numbers without loss and restores canonical value
// types, so a cached Answer equals the one that was stored.
func (a *Answer) UnmarshalJSON(data []byte) error {
	type plain Answer
	var p plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	if p.Time != nil {
		t := p.Time.UTC()
		p.Time = &t
	}
	normalizeValues(p.Values)
	*a = Answer(p)
	return nil
}
