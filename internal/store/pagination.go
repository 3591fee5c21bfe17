package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// CursorPage is a keyset-paginated result: NextCursor is opaque to clients
// and only meaningful when HasMore is set.
type CursorPage struct {
	Items      interface{} `json:"items"`
	NextCursor string      `json:"next_cursor,omitempty"`
	HasMore    bool        `json:"has_more"`
}

// OffsetPage is classic page/page-size pagination for small catalogs.
type OffsetPage struct {
	Items      interface{} `json:"items"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
}

// PageCursor pins a keyset listing to the (created_at, id) sort key of the
// last row the client saw.
type PageCursor struct {
	CreatedAt time.Time `json:"t"`
	ID        int64     `json:"id"`
}

func EncodeCursor(cursor PageCursor) string {
	data, err := json.Marshal(cursor)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

// DecodeCursor returns nil for an empty cursor. The first page has no upper
// bound at all; synthesizing one from the application clock could hide rows
// created between skewed app and database clocks.
func DecodeCursor(encoded string) (*PageCursor, error) {
	if encoded == "" {
		return nil, nil
	}

	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	cursor := &PageCursor{}
	if err := json.Unmarshal(data, cursor); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	return cursor, nil
}
