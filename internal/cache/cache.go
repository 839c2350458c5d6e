// Package cache stores answer payloads keyed by request. Entries are
// invalidated wholesale whenever a geography, link or map table is rebuilt.
package cache

import (
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/golang/snappy"
	"github.com/rotisserie/eris"
	"github.com/spaolacci/murmur3"
)

// Stats reports cache effectiveness.
type Stats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries,omitempty"`
	Generation int64   `json:"generation"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
}

func hitRate(hits, misses int64) float64 {
	if total := hits + misses; total > 0 {
		return float64(hits) / float64(total)
	}
	return 0
}

// digest hashes a request key to a fixed-width hex string.
func digest(key string) string {
	h1, h2 := murmur3.Sum128([]byte(key))
	var b [16]byte
	for i := range 8 {
		b[i] = byte(h1 >> (56 - 8*i))
		b[8+i] = byte(h2 >> (56 - 8*i))
	}
	return hex.EncodeToString(b[:])
}

// entryKey scopes a request digest to a data generation.
func entryKey(prefix string, gen int64, key string) string {
	return prefix + strconv.FormatInt(gen, 10) + ":" + digest(key)
}

func encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "cache: marshal")
	}
	return snappy.Encode(nil, raw), nil
}

func decode(data []byte, dst any) error {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return eris.Wrap(err, "cache: decompress")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return eris.Wrap(err, "cache: unmarshal")
	}
	return nil
}
