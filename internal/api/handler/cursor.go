package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/replywatch/internal/storage"
)

// DecodeCursor parses an opaque page cursor. An empty string means the first page.
func DecodeCursor(cursorStr string) (*storage.Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.SplitN(string(decoded), "|", 2)
	if len(decodedParts) != 2 || decodedParts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var at int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &at)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp in cursor: %w", err)
	}

	return &storage.Cursor{
		At: time.Unix(0, at).UTC(),
		ID: decodedParts[1],
	}, nil
}

// EncodeCursor renders a cursor for the next_cursor response field.
func EncodeCursor(cursor *storage.Cursor) string {
	if cursor == nil {
		return ""
	}
	cs := fmt.Sprintf("%d|%s", cursor.At.UnixNano(), cursor.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}
