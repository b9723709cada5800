package repository

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
)

// cursor is a position in a sort order: the sort signature it was issued
// under, the sort keys of the last returned item and that item's id.
type cursor struct {
	Sig  string `json:"s"`
	Keys []any  `json:"k"`
	ID   string `json:"i"`
}

func encodeCursor(c cursor) string {
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (*cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kerrors.ErrInvalidCursor, err)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", kerrors.ErrInvalidCursor, err)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("%w: missing position", kerrors.ErrInvalidCursor)
	}
	return &c, nil
}
