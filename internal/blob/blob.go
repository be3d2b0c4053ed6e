// Package blob stores task attachment bytes outside the database.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

var ErrNotFound = errors.New("object not found")

// Store is the object storage collaborator used for attachments.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	// URL returns a time-limited download URL for key.
	URL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// AttachmentKey builds the object key for an attachment. The file name is
// reduced to its base name so callers cannot escape the task prefix.
func AttachmentKey(projectID, taskID, attachmentID, fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	return fmt.Sprintf("projects/%s/tasks/%s/%s/%s", projectID, taskID, attachmentID, name)
}
