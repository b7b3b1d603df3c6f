package integrity

import (
	"fmt"
	"time"
)

// Fingerprint returns the sender-local identity of a file, used to match
// prior outgoing sessions for resume. The engine also carries it in the
// file-offer metadata, but the receiver never resumes by it.
func Fingerprint(name string, size int64, mimeType string, lastModified time.Time) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return fmt.Sprintf("%s::%d::%s::%d", name, size, mimeType, lastModified.UnixMilli())
}
