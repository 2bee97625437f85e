// Package pagination implements opaque keyset cursors for list endpoints.
//
// A cursor encodes the sort position of the last row served
// ("unixNano|id", base64url). Queries fetch limit+1 rows descending and
// the extra row decides hasMore.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned when a cursor cannot be decoded.
var ErrInvalidCursor = errors.New("invalid pagination cursor")

// Cursor is a decoded keyset position.
type Cursor struct {
	At time.Time
	ID string
}

// Encode packs a keyset position into an opaque query-safe string.
func Encode(at time.Time, id string) string {
	raw := strconv.FormatInt(at.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a cursor produced by Encode.
func Decode(s string) (Cursor, error) {
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return Cursor{}, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	return Cursor{At: time.Unix(0, nanos).UTC(), ID: parts[1]}, nil
}

// Page is one page of results as served over HTTP.
type Page[T any] struct {
	Data       []T    `json:"data"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// NewPage trims a limit+1 fetch down to the page and, when an extra row was
// returned, derives the next cursor from the last row kept.
func NewPage[T any](rows []T, limit int, keyOf func(T) (time.Time, string)) Page[T] {
	page := Page[T]{Data: rows}
	if limit > 0 && len(rows) > limit {
		page.Data = rows[:limit]
		page.HasMore = true
		at, id := keyOf(page.Data[limit-1])
		page.NextCursor = Encode(at, id)
	}
	if page.Data == nil {
		page.Data = []T{}
	}
	return page
}

// ParseLimit bounds a raw limit parameter to [1, max], using def when the
// parameter is absent or unparseable.
func ParseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
