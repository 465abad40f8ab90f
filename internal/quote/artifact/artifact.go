// Package artifact stores the workbooks produced by the calculation agent.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned when no object exists under the key.
var ErrNotFound = errors.New("artifact not found")

const ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Info describes a stored object.
type Info struct {
	Key         string
	Size        int64
	ContentType string
}

// Store persists artifact bytes.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, *Info, error)
	// Delete removes the object. A missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// ResultKey is the object key of the artifact an agent reported for an attempt.
func ResultKey(quoteID string, attempt int, filename string) string {
	return path.Join("quotes", quoteID, fmt.Sprintf("attempt-%d", attempt), cleanName(filename, "result.xlsx"))
}

// ReintegrationKey is the object key of a user-edited workbook.
func ReintegrationKey(quoteID string, seq int64, filename string) string {
	return path.Join("quotes", quoteID, fmt.Sprintf("reintegrated-%d", seq), cleanName(filename, "edited.xlsx"))
}

// ContentTypeFor guesses the content type from the key extension.
func ContentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".xlsx":
		return ContentTypeXLSX
	case ".json":
		return "application/json"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

func cleanName(name, fallback string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return fallback
	}
	return name
}
