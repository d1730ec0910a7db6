package apicall

import (
	"bytes"
	"encoding/base64"
	"fmt"
)

// Cursor is an opaque continuation marker handed out by the server. A Cursor
// is only meaningful to the service that produced it; the executor copies it
// around but never looks inside.
type Cursor []byte

// ParseCursor decodes the text form produced by Cursor.String.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse cursor: %w", err)
	}
	return Cursor(b), nil
}

// String renders the cursor as unpadded URL-safe base64, suitable for query
// strings and page tokens.
func (c Cursor) String() string {
	return base64.RawURLEncoding.EncodeToString(c)
}

// IsEmpty reports whether the cursor carries no position.
func (c Cursor) IsEmpty() bool {
	return len(c) == 0
}

// Equal reports whether both cursors mark the same position.
func (c Cursor) Equal(other Cursor) bool {
	return bytes.Equal(c, other)
}

// clone returns a copy that does not alias the response it was taken from.
func (c Cursor) clone() Cursor {
	if c == nil {
		return nil
	}
	return bytes.Clone(c)
}
