package sync

import "strconv"

// Cursor is an opaque continuation pointer for one provider feed. A nil
// Cursor requests the first page. Cursors are only valid for the query that
// produced them and are never carried across runs.
type Cursor interface {
	cursorKey() string
}

// OffsetCursor continues a count-based listing.
type OffsetCursor int

// TokenCursor continues a listing with a provider page token.
type TokenCursor string

// BeforeIDCursor continues a listing that pages backwards from an item id
// or timestamp.
type BeforeIDCursor string

func (c OffsetCursor) cursorKey() string   { return "offset:" + strconv.Itoa(int(c)) }
func (c TokenCursor) cursorKey() string    { return "token:" + string(c) }
func (c BeforeIDCursor) cursorKey() string { return "before:" + string(c) }

// CursorKey renders c for logging and loop detection.
func CursorKey(c Cursor) string {
	if c == nil {
		return "start"
	}
	return c.cursorKey()
}

// Page is one page of raw provider items. Next is nil when the provider
// reports no further pages.
type Page[T any] struct {
	Items []T
	Next  Cursor
}
