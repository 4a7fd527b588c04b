// Package pagination implements keyset cursors over (timestamp, id) ordered
// listings such as an account's assessment history.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for a cursor this package did not mint.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the position of the last item of a page.
type Cursor struct {
	At time.Time
	ID string
}

// String encodes the cursor as an opaque URL-safe token.
func (c Cursor) String() string {
	return Encode(c.At, c.ID)
}

// Encode returns an opaque token for the item at (at, id).
func Encode(at time.Time, id string) string {
	raw := strconv.FormatInt(at.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a token from Encode. An empty token means the first page and
// yields nil.
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, n).UTC(), ID: id}, nil
}

// ComputePage trims items fetched with limit+1 rows down to limit. When the
// extra row was present it returns the token for the last kept item and
// hasMore true.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) (page []T, next string, hasMore bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	at, id := key(items[len(items)-1])
	return items, Encode(at, id), true
}
